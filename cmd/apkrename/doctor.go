package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-rename-go/internal/config"
	"github.com/apk-analysis/apk-rename-go/internal/tools"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the external tools and the signing keystore are available",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			if !runDoctor(cmd.OutOrStdout(), cfg) {
				return errors.New("required tools are missing")
			}
			return nil
		},
	}
}

// runDoctor 打印工具检查结果；zipalign 缺失只会导致对齐降级，不算失败
func runDoctor(w io.Writer, cfg *config.Config) bool {
	apktool, zipalign, apksigner, keytool := tools.Executables(&cfg.Tools)
	report := tools.CheckAvailable(apktool, zipalign, apksigner, keytool)

	ok := true
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tSTATUS\tCOMMAND\tDETAIL")
	for _, a := range report {
		status, detail := "ok", a.Resolved
		if !a.Available {
			detail = a.Error
			if a.Tool == "zipalign" {
				status = "degraded"
			} else {
				status = "missing"
				ok = false
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Tool, status, a.Command, detail)
	}

	keystore := "present"
	if _, err := os.Stat(cfg.Signing.Keystore); err != nil {
		keystore = "absent (generated on first run after confirmation)"
	}
	fmt.Fprintf(tw, "keystore\t%s\t%s\t\n", keystore, cfg.Signing.Keystore)
	tw.Flush()
	return ok
}

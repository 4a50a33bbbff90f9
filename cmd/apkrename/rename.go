package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-rename-go/internal/pipeline"
	"github.com/apk-analysis/apk-rename-go/internal/prompt"
)

const defaultInput = "app-release.apk"

type renameOptions struct {
	name        string
	pkg         string
	in          string
	out         string
	workDir     string
	yes         bool
	keepWorkDir bool
}

func newRenameCmd(root *rootOptions) *cobra.Command {
	opts := &renameOptions{}

	cmd := &cobra.Command{
		Use:   "rename",
		Short: "Rename a package interactively, then rebuild, align and sign it",
		Example: `  apkrename rename --name Toollist
  apkrename rename --name Toollist --package com.example.toollist --in app.apk --out dist/Toollist.apk --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRename(cmd, root, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "new display name (prompted when omitted)")
	f.StringVar(&opts.pkg, "package", "", "new package identifier (derived from the name when omitted)")
	f.StringVar(&opts.in, "in", defaultInput, "input package")
	f.StringVar(&opts.out, "out", "", "output package (default <name>.apk)")
	f.StringVar(&opts.workDir, "work-dir", "", "working directory (default work.dir)")
	f.BoolVarP(&opts.yes, "yes", "y", false, "accept every default without prompting")
	f.BoolVar(&opts.keepWorkDir, "keep-workdir", false, "keep the working directory after the run")
	return cmd
}

func runRename(cmd *cobra.Command, root *rootOptions, opts *renameOptions) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	if opts.yes {
		cfg.Work.AssumeYes = true
	}
	if opts.workDir == "" {
		opts.workDir = cfg.Work.Dir
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	confirmer := prompt.NewConfirmer(cmd.InOrStdin(), out, cfg.Work.ConfirmTimeout, cfg.Work.AssumeYes)

	req, err := collectRequest(ctx, cmd, confirmer, opts)
	if err != nil {
		return err
	}

	orch := newOrchestrator(cfg, confirmer, logger)
	result, runErr := orch.Run(ctx, req, progressPrinter(out))
	printResult(out, result, runErr)

	keep := opts.keepWorkDir || cfg.Work.KeepWorkDir
	if runErr != nil && result != nil && result.RecoveryHint != "" {
		// 已签名产物还在工作目录里，不能删
		keep = true
	}
	if !keep {
		if _, err := orch.Cleanup(context.WithoutCancel(ctx), req.WorkDir); err != nil {
			logger.WithError(err).Warn("Failed to clean up working directory")
		}
	}
	return runErr
}

// collectRequest 补全未通过参数给出的名称和路径
func collectRequest(ctx context.Context, cmd *cobra.Command, confirmer *prompt.Confirmer, opts *renameOptions) (pipeline.Request, error) {
	interactive := !opts.yes

	name := strings.TrimSpace(opts.name)
	if name == "" && interactive {
		answer, err := confirmer.Ask(ctx, "New application name", "")
		if err != nil {
			return pipeline.Request{}, err
		}
		name = strings.TrimSpace(answer)
	}
	if name == "" {
		return pipeline.Request{}, errors.New("application name must not be empty")
	}

	pkg := strings.TrimSpace(opts.pkg)
	in := opts.in
	out := opts.out
	if out == "" {
		out = name + ".apk"
	}

	if interactive {
		var err error
		if !cmd.Flags().Changed("package") {
			if pkg, err = confirmer.Ask(ctx, "New package identifier (blank to derive from the name)", ""); err != nil {
				return pipeline.Request{}, err
			}
			pkg = strings.TrimSpace(pkg)
		}
		if !cmd.Flags().Changed("in") {
			if in, err = confirmer.Ask(ctx, "Input package", in); err != nil {
				return pipeline.Request{}, err
			}
		}
		if !cmd.Flags().Changed("out") {
			if out, err = confirmer.Ask(ctx, "Output package", out); err != nil {
				return pipeline.Request{}, err
			}
		}
	}

	return pipeline.Request{
		ID:          uuid.New().String(),
		InputPath:   strings.TrimSpace(in),
		OutputPath:  strings.TrimSpace(out),
		DisplayName: name,
		NewPackage:  pkg,
		WorkDir:     opts.workDir,
	}, nil
}

// progressPrinter 把阶段事件打印到终端
func progressPrinter(w io.Writer) pipeline.Observer {
	return pipeline.ObserverFunc(func(e pipeline.Event) {
		switch e.Phase {
		case pipeline.PhaseStarted:
			fmt.Fprintf(w, "==> %s\n", e.State)
		case pipeline.PhaseDegraded:
			fmt.Fprintf(w, "    %s degraded: %s\n", e.State, e.Message)
		case pipeline.PhaseFailed:
			fmt.Fprintf(w, "    %s failed: %s\n", e.Message, e.Error)
		}
	})
}

func printResult(w io.Writer, result *pipeline.Result, runErr error) {
	if result == nil {
		return
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}

	if runErr != nil {
		var stageErr *pipeline.StageError
		if errors.As(runErr, &stageErr) {
			fmt.Fprintf(w, "Rename failed at %s: %v\n", stageErr.Stage, stageErr.Err)
		} else {
			fmt.Fprintf(w, "Rename failed: %v\n", runErr)
		}
		if result.RecoveryHint != "" {
			fmt.Fprintf(w, "A signed package is still available at %s\n", result.RecoveryHint)
		}
		return
	}

	fmt.Fprintf(w, "Package: %s -> %s\n", result.Identity.OriginalPackage, result.Identity.NewPackage)
	if result.AlignmentDegraded {
		fmt.Fprintln(w, "Alignment was skipped; the package was copied unaligned")
	}
	if certs := result.Verification.Summary(); certs != "" {
		fmt.Fprintf(w, "Signed by: %s\n", certs)
	}
	fmt.Fprintf(w, "Done. Output: %s\n", result.OutputPath)
}

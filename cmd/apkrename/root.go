package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-rename-go/internal/config"
)

// rootOptions 全局参数
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "apkrename",
		Short:         "Rename an Android package's display name and package identifier, then rebuild and re-sign it",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml); defaults and APKRENAME_* env vars apply when omitted")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	cmd.AddCommand(
		newRenameCmd(opts),
		newServeCmd(opts),
		newWatchCmd(opts),
		newHistoryCmd(opts),
		newDoctorCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load 加载配置并初始化日志
func (o *rootOptions) load() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger := config.InitLogger(&cfg.Log)
	if o.configPath != "" {
		logger.WithField("config", o.configPath).Debug("Config loaded")
	}
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "apkrename %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		},
	}
}

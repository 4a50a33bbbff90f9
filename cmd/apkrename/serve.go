package main

import (
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with a worker pool (RabbitMQ and the inbox watcher when enabled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return runServer(cmd.Context(), cfg, logger, serverOptions{
				http:  true,
				watch: cfg.Watch.Enabled,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", 8080, "HTTP listen port (overrides server.port)")
	return cmd
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	var (
		dir          string
		scanExisting bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rename every package dropped into the inbox directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if dir != "" {
				cfg.Watch.Dir = dir
			}
			return runServer(cmd.Context(), cfg, logger, serverOptions{
				watch:        true,
				scanExisting: scanExisting,
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "inbox directory (overrides watch.dir)")
	cmd.Flags().BoolVar(&scanExisting, "scan-existing", false, "also submit packages already in the inbox")
	return cmd
}

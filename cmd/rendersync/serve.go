package main

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the files under --serve-root to peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		srv, err := startServing(cfg, logger)
		if err != nil {
			return err
		}
		logger.Info("rendersync serving", "listen_addr", srv.channel.Addr().String(), "serve_root", cfg.ServeRoot)
		err = srv.run(ctx)
		st := srv.resp.Stats()
		logger.Info("Responder stopped", "chunks_served", st.ChunksServed, "bytes_served", st.BytesServed,
			"error_replies", st.Errors)
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

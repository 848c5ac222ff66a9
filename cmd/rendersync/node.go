package main

import (
	"context"
	"errors"
	"time"

	"rendersync/internal/control"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var nodeInsecure bool

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the serving loop, the fetching loop and the websocket control endpoint",
	Long: `node serves --serve-root to peers, and fetches files on behalf of the host
plugin, which drives it through JSON commands on ws://<control-addr>/ws and
receives accepted/progress/complete/failed notifications on the same socket.`,
	Args: cobra.NoArgs,
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
		hub := control.NewHub(logger.With("component", "control_hub"))
		fl, err := startFetching(cfg, logger, hub, nodeInsecure)
		if err != nil {
			srv.channel.Close()
			return err
		}
		ctl, err := control.NewServer(control.ServerConfig{
			Addr:   cfg.ControlAddr,
			Sink:   fl.sched,
			Hub:    hub,
			Status: func() any { return fl.sched.Snapshot() },
			Logger: logger.With("component", "control_server"),
		})
		if err == nil {
			err = ctl.Start()
		}
		if err != nil {
			srv.channel.Close()
			fl.channel.Close()
			if fl.ledger != nil {
				fl.ledger.Close()
			}
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.run(gctx) })
		g.Go(func() error { return fl.run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ctl.Stop(shutdownCtx)
		})
		if err := connectPeers(fl.sched, cfg.Peers); err != nil {
			logger.Error("Failed to connect configured peers", "error", err)
		}
		logger.Info("rendersync node running", "listen_addr", srv.channel.Addr().String(),
			"control_addr", ctl.Addr().String(), "serve_root", cfg.ServeRoot)

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		logger.Info("rendersync node stopped")
		return err
	},
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().BoolVar(&nodeInsecure, "insecure", false, "accept any certificate from peers without a pinned key")
}

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"rendersync/internal/config"
	"rendersync/internal/control"
	"rendersync/internal/journal"
	"rendersync/internal/peer"
	"rendersync/internal/responder"
	"rendersync/internal/scheduler"
)

// servingLoop est le canal d'écoute et son responder.
type servingLoop struct {
	channel *peer.QUICChannel
	resp    *responder.Responder
}

func startServing(cfg *config.Config, logger *slog.Logger) (*servingLoop, error) {
	if err := os.MkdirAll(cfg.ServeRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create serve root: %w", err)
	}
	tlsConf, err := peer.ServerTLS(cfg.TLSCert, cfg.TLSKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup TLS for the responder: %w", err)
	}
	if pk, err := peer.PublicKey(tlsConf); err == nil {
		logger.Info("Responder public key, pin it on fetching nodes", "public_key", hex.EncodeToString(pk))
	}

	ch, err := peer.Listen(peer.QUICConfig{
		ListenAddr:     cfg.ListenAddr,
		TLSConfig:      tlsConf,
		MaxIdleTimeout: 2 * cfg.NetworkTimeout.Duration,
		Logger:         logger.With("component", "peer_channel", "role", "listen"),
	})
	if err != nil {
		return nil, err
	}
	resp, err := responder.New(responder.Config{
		NodeID:      cfg.NodeID,
		BaseDataDir: cfg.ServeRoot,
		Channel:     ch,
		RateLimit:   cfg.RateLimit,
		Logger:      logger.With("component", "responder"),
	})
	if err != nil {
		ch.Close()
		return nil, err
	}
	return &servingLoop{channel: ch, resp: resp}, nil
}

func (s *servingLoop) run(ctx context.Context) error {
	defer s.channel.Close()
	return s.resp.Serve(ctx)
}

// fetchingLoop est le canal sortant, le journal et le scheduler.
type fetchingLoop struct {
	channel *peer.QUICChannel
	ledger  *journal.Ledger
	sched   *scheduler.Scheduler
}

func startFetching(cfg *config.Config, logger *slog.Logger, notifier control.Notifier, insecure bool) (*fetchingLoop, error) {
	qc := peer.QUICConfig{
		MaxIdleTimeout: 2 * cfg.NetworkTimeout.Duration,
		Logger:         logger.With("component", "peer_channel", "role", "dial"),
	}
	if insecure {
		qc.TLSConfig = peer.InsecureClientTLS()
	}
	ch := peer.NewDialer(qc)

	var ledger *journal.Ledger
	var j scheduler.Journal
	if cfg.JournalPath != "" {
		var err error
		ledger, err = journal.Open(journal.Config{Path: cfg.JournalPath, Logger: logger.With("component", "journal")})
		if err != nil {
			ch.Close()
			return nil, err
		}
		j = ledger
	}

	sched, err := scheduler.NewScheduler(scheduler.SchedulerConfig{
		NodeID:     cfg.NodeID,
		Channel:    ch,
		Notifier:   notifier,
		Journal:    j,
		StagingDir: cfg.StagingDir,
		Params:     cfg.TransferParams(),
		Logger:     logger.With("component", "scheduler"),
	})
	if err != nil {
		ch.Close()
		if ledger != nil {
			ledger.Close()
		}
		return nil, err
	}
	return &fetchingLoop{channel: ch, ledger: ledger, sched: sched}, nil
}

func (f *fetchingLoop) run(ctx context.Context) error {
	err := f.sched.Run(ctx)
	cerr := f.channel.Close()
	if f.ledger != nil {
		cerr = errors.Join(cerr, f.ledger.Close())
	}
	if err != nil {
		return err
	}
	return cerr
}

// connectPeers soumet un connect par pair configuré.
func connectPeers(sink control.CommandSink, peers []config.Peer) error {
	for _, p := range peers {
		cmd := control.Connect(p.ID, p.Endpoints...)
		cmd.PublicKey = p.PublicKey
		if err := sink.Submit(cmd); err != nil {
			return fmt.Errorf("connect %s: %w", p.ID, err)
		}
	}
	return nil
}

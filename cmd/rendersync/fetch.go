package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"rendersync/internal/config"
	"rendersync/internal/control"

	"github.com/spf13/cobra"
)

var (
	fetchPeers    []string
	fetchPins     []string
	fetchFiles    []string
	fetchFrom     string
	fetchOut      string
	fetchInsecure bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch files from a peer and exit",
	Example: `  rendersync fetch --peer farm-01=10.0.0.5:7000,farm-01.lan:7000 --pin farm-01=3059301306... \
    --file scenes/shot010.blend --file textures/wood.exr=/cache/wood.exr --out ./incoming`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		peers, err := parsePeerSpecs(fetchPeers, fetchPins)
		if err != nil {
			return err
		}
		peers = append(cfg.Peers, peers...)
		if len(peers) == 0 {
			return errors.New("at least one --peer is required")
		}
		from := fetchFrom
		if from == "" {
			from = peers[0].ID
		}
		requests, err := parseFileSpecs(fetchFiles, fetchOut, from)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		notes := make(chan control.Notification, 1024)
		fl, err := startFetching(cfg, logger, control.ChanNotifier(notes), fetchInsecure)
		if err != nil {
			return err
		}
		runCtx, cancelRun := context.WithCancel(ctx)
		defer cancelRun()
		runErr := make(chan error, 1)
		go func() { runErr <- fl.run(runCtx) }()

		if err := connectPeers(fl.sched, peers); err != nil {
			cancelRun()
			<-runErr
			return err
		}
		for _, r := range requests {
			if err := fl.sched.Submit(r); err != nil {
				cancelRun()
				<-runErr
				return err
			}
		}

		failed, stopped, err := waitTransfers(ctx, notes, runErr, requests, cmd.OutOrStdout())
		cancelRun()
		if !stopped {
			// Vider les notifications émises à l'arrêt pour ne pas bloquer la boucle.
			err = drainUntil(notes, runErr)
		}
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d transfers did not complete", failed, len(requests))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringArrayVar(&fetchPeers, "peer", nil, "peer as id=addr[,addr...] (endpoints tried in order)")
	fetchCmd.Flags().StringArrayVar(&fetchPins, "pin", nil, "pinned public key as id=hex (see `rendersync serve` logs)")
	fetchCmd.Flags().StringArrayVarP(&fetchFiles, "file", "f", nil, "file id to fetch, optionally file_id=dest_path")
	fetchCmd.Flags().StringVar(&fetchFrom, "from", "", "peer id to fetch from (default: first peer)")
	fetchCmd.Flags().StringVarP(&fetchOut, "out", "o", ".", "directory for files fetched without an explicit destination")
	fetchCmd.Flags().BoolVar(&fetchInsecure, "insecure", false, "accept any certificate from peers without a pinned key")
}

func drainUntil(notes <-chan control.Notification, runErr <-chan error) error {
	for {
		select {
		case <-notes:
		case err := <-runErr:
			return err
		}
	}
}

// waitTransfers affiche l'avancement et retourne le nombre de transferts non
// complets. stopped indique que le scheduler s'est arrêté de lui-même (err).
func waitTransfers(ctx context.Context, notes <-chan control.Notification, runErr <-chan error,
	requests []control.Command, out io.Writer) (failed int, stopped bool, err error) {
	pending := make(map[string]string, len(requests))
	for _, r := range requests {
		pending[r.CorrelationID] = r.SourceFileID
	}
	lastShown := make(map[string]time.Time)
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return failed + len(pending), false, nil
		case err := <-runErr:
			if err == nil {
				err = errors.New("scheduler stopped before the transfers ended")
			}
			return failed + len(pending), true, err
		case n := <-notes:
			file, ours := pending[n.CorrelationID]
			switch {
			case n.Kind == control.KindConnected:
				fmt.Fprintf(out, "connected to %s at %s\n", n.PeerID, n.Endpoint)
			case n.Kind == control.KindConnectFailed:
				fmt.Fprintf(out, "could not reach %s at %s: %s\n", n.PeerID, n.Endpoint, n.Reason)
			case !ours:
			case n.Kind == control.KindProgress:
				if time.Since(lastShown[n.CorrelationID]) > 500*time.Millisecond || n.Percent >= 100 {
					lastShown[n.CorrelationID] = time.Now()
					fmt.Fprintf(out, "%s %5.1f%%\n", file, n.Percent)
				}
			case n.Kind == control.KindComplete:
				delete(pending, n.CorrelationID)
				if n.Stats == nil {
					fmt.Fprintf(out, "%s complete\n", file)
					break
				}
				fmt.Fprintf(out, "%s complete: %d bytes in %s (mean rtt %s, %d duplicates, %d bad digests)\n",
					file, n.Stats.Bytes, n.Stats.Duration.Round(time.Millisecond), n.Stats.MeanRTT.Round(time.Microsecond),
					n.Stats.Duplicates, n.Stats.BadDigests)
			case n.Terminal():
				delete(pending, n.CorrelationID)
				failed++
				fmt.Fprintf(out, "%s %s: %s\n", file, n.Kind, n.Reason)
			}
		}
	}
	return failed, false, nil
}

// parsePeerSpecs lit les --peer id=addr[,addr...] et les --pin id=hex.
func parsePeerSpecs(specs, pins []string) ([]config.Peer, error) {
	keys := make(map[string]string, len(pins))
	for _, p := range pins {
		id, key, ok := strings.Cut(p, "=")
		if !ok || id == "" || key == "" {
			return nil, fmt.Errorf("invalid --pin %q, want id=hex", p)
		}
		keys[id] = key
	}
	var peers []config.Peer
	for _, s := range specs {
		id, addrs, ok := strings.Cut(s, "=")
		if !ok || id == "" || addrs == "" {
			return nil, fmt.Errorf("invalid --peer %q, want id=addr[,addr...]", s)
		}
		p := config.Peer{ID: id, PublicKey: keys[id]}
		for _, a := range strings.Split(addrs, ",") {
			if a = strings.TrimSpace(a); a != "" {
				p.Endpoints = append(p.Endpoints, a)
			}
		}
		if len(p.Endpoints) == 0 {
			return nil, fmt.Errorf("--peer %q has no endpoint", s)
		}
		delete(keys, id)
		peers = append(peers, p)
	}
	if len(keys) > 0 {
		ids := make([]string, 0, len(keys))
		for id := range keys {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		return nil, fmt.Errorf("--pin for unknown peer %s", strings.Join(ids, ", "))
	}
	return peers, nil
}

// parseFileSpecs construit une transfer_request par --file.
func parseFileSpecs(specs []string, outDir, peerID string) ([]control.Command, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one --file is required")
	}
	cmds := make([]control.Command, 0, len(specs))
	for i, s := range specs {
		fileID, dest, explicit := strings.Cut(s, "=")
		if fileID == "" || (explicit && dest == "") {
			return nil, fmt.Errorf("invalid --file %q, want file_id[=dest_path]", s)
		}
		if !explicit {
			dest = filepath.Join(outDir, filepath.FromSlash(fileID))
		}
		cmds = append(cmds, control.TransferRequest(fileID, dest, peerID, fmt.Sprintf("fetch-%d", i+1)))
	}
	return cmds, nil
}

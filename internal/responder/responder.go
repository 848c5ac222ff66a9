// Package responder sert les fichiers d'un répertoire aux pairs qui les
// demandent : FILE_INFO pour la taille, FILE_DATA pour les plages d'octets.
// Une seule boucle (Serve) lit le canal d'écoute et répond; rien n'y est
// partagé avec d'autres goroutines.
package responder

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"rendersync/internal/peer"
	"rendersync/internal/wire"

	"golang.org/x/time/rate"
)

const (
	defaultPollInterval = 20 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second

	// MaxRangeLength borne une plage demandée : la réponse doit tenir dans une trame.
	MaxRangeLength = 4 * 1024 * 1024
)

type Config struct {
	NodeID       string       // annoncé dans HELLO!
	BaseDataDir  string       // ignoré si Provider est fourni
	Provider     FileProvider
	Channel      peer.Channel // canal d'écoute
	PollInterval time.Duration
	WriteTimeout time.Duration
	// RateLimit plafonne les octets servis par seconde, tous pairs confondus.
	// 0 désactive la limite.
	RateLimit int64
	Logger    *slog.Logger
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "responder")
	}
}

// Stats sont les compteurs cumulés du responder.
type Stats struct {
	InfoRequests int64
	DataRequests int64
	ChunksServed int64
	BytesServed  int64
	Errors       int64
	Discarded    int64
}

type Responder struct {
	config  Config
	handles *handleCache
	limiter *rate.Limiter

	infoRequests atomic.Int64
	dataRequests atomic.Int64
	chunksServed atomic.Int64
	bytesServed  atomic.Int64
	errorReplies atomic.Int64
	discarded    atomic.Int64
}

func New(config Config) (*Responder, error) {
	config.setDefaults()
	if config.NodeID == "" {
		return nil, errors.New("NodeID is mandatory for the responder")
	}
	if config.Channel == nil {
		return nil, errors.New("Channel is mandatory for the responder")
	}
	if config.Provider == nil {
		if config.BaseDataDir == "" {
			return nil, errors.New("BaseDataDir is required if no custom FileProvider")
		}
		config.Provider = NewDiskFileProvider(config.BaseDataDir, config.Logger)
	}

	r := &Responder{
		config:  config,
		handles: newHandleCache(config.Provider, config.Logger),
	}
	if config.RateLimit > 0 {
		burst := int(config.RateLimit)
		if burst < MaxRangeLength {
			burst = MaxRangeLength
		}
		r.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return r, nil
}

// Serve tourne jusqu'à l'annulation de ctx (retourne nil) ou la fermeture du
// canal (retourne l'erreur). Les handles ouverts sont fermés en sortie.
func (r *Responder) Serve(ctx context.Context) error {
	logger := r.config.Logger
	defer r.handles.closeAll()
	logger.Info("Responder serving", "node_id", r.config.NodeID)

	for {
		if ctx.Err() != nil {
			logger.Info("Responder stopping", "reason", ctx.Err())
			return nil
		}
		envs, err := r.config.Channel.Poll(r.config.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("responder channel: %w", err)
		}
		for _, env := range prioritize(envs) {
			r.handle(ctx, env)
		}
		r.handles.sweep()
	}
}

// prioritize place les messages sans coût (HELLO?, FILE_INFO) avant les
// FILE_DATA du même lot, qui peuvent attendre le limiteur de débit.
func prioritize(envs []peer.Envelope) []peer.Envelope {
	slices.SortStableFunc(envs, func(a, b peer.Envelope) int {
		return cmp.Compare(dataRank(a.Msg), dataRank(b.Msg))
	})
	return envs
}

func dataRank(m *wire.Message) int {
	if m != nil && m.Kind == wire.KindFileDataRequest {
		return 1
	}
	return 0
}

func (r *Responder) handle(ctx context.Context, env peer.Envelope) {
	msg := env.Msg
	logger := r.config.Logger.With("peer_id", env.PeerID)
	if err := msg.Validate(); err != nil {
		r.discarded.Add(1)
		logger.Warn("Discarding invalid message", "kind", msg.Kind, "error", err)
		return
	}

	switch msg.Kind {
	case wire.KindHello:
		r.send(ctx, env.PeerID, wire.HelloAck(r.config.NodeID))
	case wire.KindHelloAck:
		logger.Debug("Ignoring HELLO! on the serving channel")
	case wire.KindFileInfoRequest:
		r.handleInfo(ctx, env.PeerID, msg)
	case wire.KindFileDataRequest:
		r.handleData(ctx, env.PeerID, msg)
	default:
		r.discarded.Add(1)
		logger.Warn("Discarding unexpected message", "kind", msg.Kind, "request_id", msg.RequestID)
	}
}

func (r *Responder) handleInfo(ctx context.Context, peerID string, req *wire.Message) {
	r.infoRequests.Add(1)
	h, err := r.handles.get(req.FileID)
	if err != nil {
		r.replyError(ctx, peerID, req, err)
		return
	}
	r.config.Logger.Debug("FILE_INFO served", "peer_id", peerID, "file_id", req.FileID, "size", h.size)
	r.send(ctx, peerID, wire.InfoReply(req.FileID, h.size, req.RequestID))
}

// handleData répond à chaque plage par un message séparé.
func (r *Responder) handleData(ctx context.Context, peerID string, req *wire.Message) {
	r.dataRequests.Add(1)
	h, err := r.handles.get(req.FileID)
	if err != nil {
		r.replyError(ctx, peerID, req, err)
		return
	}

	for _, rg := range req.Ranges {
		length := rg.Length
		if rg.Offset >= h.size {
			r.replyError(ctx, peerID, req, fmt.Errorf("%w: offset %d, size %d", ErrRangeOutOfBounds, rg.Offset, h.size))
			continue
		}
		if length > MaxRangeLength {
			r.replyError(ctx, peerID, req, fmt.Errorf("%w: %d", ErrRangeTooLarge, length))
			continue
		}
		if rg.Offset+length > h.size {
			length = h.size - rg.Offset // dernier chunk
		}

		if r.limiter != nil {
			if err := r.limiter.WaitN(ctx, int(length)); err != nil {
				return // ctx annulé
			}
		}

		data, err := h.readAt(rg.Offset, length)
		if err != nil {
			r.handles.drop(req.FileID)
			r.replyError(ctx, peerID, req, err)
			return
		}
		if r.send(ctx, peerID, wire.DataReply(req.FileID, rg.Offset, req.RequestID, data)) {
			r.chunksServed.Add(1)
			r.bytesServed.Add(length)
		}
	}
}

func (r *Responder) replyError(ctx context.Context, peerID string, req *wire.Message, err error) {
	r.errorReplies.Add(1)
	r.config.Logger.Warn("Replying with error", "peer_id", peerID, "kind", req.Kind,
		"file_id", req.FileID, "request_id", req.RequestID, "error", err)
	r.send(ctx, peerID, wire.ErrorReply(req.FileID, req.RequestID, err.Error()))
}

// send n'échoue jamais bruyamment : le demandeur réessaiera selon ses timers.
func (r *Responder) send(ctx context.Context, peerID string, msg *wire.Message) bool {
	sendCtx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()
	if err := r.config.Channel.Send(sendCtx, peerID, msg); err != nil {
		r.config.Logger.Warn("Failed to send reply", "peer_id", peerID, "kind", msg.Kind, "error", err)
		return false
	}
	return true
}

func (r *Responder) Stats() Stats {
	return Stats{
		InfoRequests: r.infoRequests.Load(),
		DataRequests: r.dataRequests.Load(),
		ChunksServed: r.chunksServed.Load(),
		BytesServed:  r.bytesServed.Load(),
		Errors:       r.errorReplies.Load(),
		Discarded:    r.discarded.Load(),
	}
}

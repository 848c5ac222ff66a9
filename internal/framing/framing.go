package framing

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// MaxMessageSize borne la taille d'un payload. Un FILE_DATA_REPLY de 64 000
	// octets tient très largement dedans.
	MaxMessageSize = 10 * 1024 * 1024

	// readTimeout borne la lecture d'un payload une fois son préfixe lu,
	// quand le reader supporte SetReadDeadline.
	readTimeout = 5 * time.Second
)

var (
	ErrMessageTooLarge   = errors.New("framed message exceeds maximum allowed size")
	ErrInvalidUvarint    = errors.New("malformed uvarint length prefix")
	ErrIncompleteMessage = errors.New("incomplete message read (less data than specified by length prefix)")
)

// defaultInitialBufferSize est la taille initiale des buffers du pool. Ils peuvent grandir.
const defaultInitialBufferSize = 64 * 1024

// maxPooledBufferSize : au-delà, le buffer n'est pas remis dans le pool.
const maxPooledBufferSize = 1024 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, defaultInitialBufferSize)
		return &b
	},
}

func GetBuffer() *[]byte {
	bufPtr := bufferPool.Get().(*[]byte)
	// Réinitialiser la longueur, mais garder la capacité
	*bufPtr = (*bufPtr)[:0]
	return bufPtr
}

func PutBuffer(bufPtr *[]byte) {
	if cap(*bufPtr) > maxPooledBufferSize {
		return
	}
	bufferPool.Put(bufPtr)
}

// --- Writer ---

type messageWriter struct {
	mu     sync.Mutex // un seul message à la fois sur le flux
	w      io.Writer
	logger *slog.Logger
}

// NewMessageWriter crée un Writer de messages framés. Il est sûr pour un usage concurrent.
func NewMessageWriter(w io.Writer, logger *slog.Logger) Writer {
	if logger == nil {
		logger = slog.Default().With("component", "framing_writer")
	}
	return &messageWriter{w: w, logger: logger}
}

func (mw *messageWriter) WriteMsg(ctx context.Context, msg Message) error {
	if msg == nil {
		return errors.New("cannot write nil message")
	}

	// 1. Sérialiser dans un buffer du pool : préfixe réservé en tête,
	// payload à la suite, une seule écriture sur le flux.
	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)

	payload, err := msg.MarshalAppend((*bufPtr)[:0])
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	*bufPtr = payload

	msgLen := len(payload)
	if msgLen > MaxMessageSize {
		return fmt.Errorf("%w: message size %d, max %d", ErrMessageTooLarge, msgLen, MaxMessageSize)
	}

	// 2. Préfixe Uvarint. MaxVarintLen32 (5 octets) suffit pour MaxMessageSize.
	var lenBuf [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(lenBuf[:], uint64(msgLen))

	mw.mu.Lock()
	defer mw.mu.Unlock()

	if err := mw.writeWithContext(ctx, lenBuf[:n]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if msgLen > 0 {
		if err := mw.writeWithContext(ctx, payload); err != nil {
			return fmt.Errorf("failed to write message payload: %w", err)
		}
	} else {
		mw.logger.Debug("Writing zero-length message")
	}
	return nil
}

// writeWithContext écrit data en entier en vérifiant le contexte entre deux
// écritures partielles. Si le writer supporte SetWriteDeadline, la deadline du
// contexte lui est appliquée.
func (mw *messageWriter) writeWithContext(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if dw, ok := mw.w.(interface{ SetWriteDeadline(time.Time) error }); ok {
		if dl, ok := ctx.Deadline(); ok {
			_ = dw.SetWriteDeadline(dl)
			defer dw.SetWriteDeadline(time.Time{})
		}
	}

	totalWritten := 0
	for totalWritten < len(data) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("write cancelled: %w", ctx.Err())
		default:
		}

		n, err := mw.w.Write(data[totalWritten:])
		totalWritten += n
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return fmt.Errorf("write context error: %w", err)
			}
			return fmt.Errorf("write error after %d bytes: %w", totalWritten, err)
		}
	}
	return nil
}

// --- Reader ---

type messageReader struct {
	r      *bufio.Reader
	raw    io.Reader // le reader d'origine, pour SetReadDeadline
	logger *slog.Logger
}

// NewMessageReader crée un Reader de messages framés. r est enveloppé dans un
// bufio.Reader s'il n'en est pas déjà un.
func NewMessageReader(r io.Reader, logger *slog.Logger) Reader {
	if logger == nil {
		logger = slog.Default().With("component", "framing_reader")
	}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &messageReader{r: br, raw: r, logger: logger}
}

// ReadMsg bloque jusqu'au prochain message complet. La lecture du préfixe n'a
// pas de deadline propre (un flux peut rester silencieux longtemps) : seule la
// deadline du contexte s'applique. Le payload, lui, doit arriver en readTimeout.
func (mr *messageReader) ReadMsg(ctx context.Context, msg Message) error {
	if msg == nil {
		return errors.New("cannot read into nil message")
	}

	conn, hasDeadline := mr.raw.(interface{ SetReadDeadline(time.Time) error })
	if hasDeadline {
		if dl, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(dl)
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	// 1. Longueur Uvarint
	msgLen, err := binary.ReadUvarint(mr.r)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("read length cancelled: %w", ctx.Err())
		}
		if errors.Is(err, io.EOF) {
			return io.EOF // flux terminé proprement entre deux messages
		}
		return fmt.Errorf("%w: %w", ErrInvalidUvarint, err)
	}

	// 2. Valider la longueur
	if msgLen > MaxMessageSize {
		return fmt.Errorf("%w: message claims size %d, max %d", ErrMessageTooLarge, msgLen, MaxMessageSize)
	}
	if msgLen == 0 {
		mr.logger.Debug("Read zero-length message")
		return msg.Unmarshal(nil)
	}

	// 3. Payload
	if hasDeadline {
		deadline := time.Now().Add(readTimeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		_ = conn.SetReadDeadline(deadline)
	}

	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	payload := *bufPtr
	if cap(payload) < int(msgLen) {
		payload = make([]byte, msgLen)
	} else {
		payload = payload[:msgLen]
	}

	n, err := io.ReadFull(mr.r, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: expected %d bytes, got %d: %w", ErrIncompleteMessage, msgLen, n, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("read payload cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("failed to read message payload (expected %d bytes): %w", msgLen, err)
	}
	*bufPtr = payload

	// 4. Désérialiser. Le message copie ce qu'il garde : le buffer retourne au pool.
	if err := msg.Unmarshal(payload); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return nil
}

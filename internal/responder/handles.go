package responder

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
)

// handleBufferSize amortit les seeks : les chunks demandés d'affilée sont
// souvent contigus.
const handleBufferSize = 2 * 1024 * 1024

// handle est un fichier ouvert, lu au travers d'un bufio.Reader dont on suit la
// position pour éviter un seek quand la lecture suivante est contiguë.
type handle struct {
	f    File
	r    *bufio.Reader
	pos  int64 // position logique du prochain octet rendu par r
	size int64
	used bool // touché depuis le dernier sweep
}

func (h *handle) readAt(offset, length int64) ([]byte, error) {
	if offset != h.pos {
		if _, err := h.f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek to %d: %w", offset, err)
		}
		h.r.Reset(h.f)
		h.pos = offset
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(h.r, buf)
	h.pos += int64(n)
	if err != nil {
		return nil, fmt.Errorf("read %d bytes at %d: %w", length, offset, err)
	}
	return buf, nil
}

// handleCache garde les fichiers ouverts entre deux requêtes. Il n'est utilisé
// que par la boucle du responder : pas de verrou.
type handleCache struct {
	provider FileProvider
	handles  map[string]*handle
	logger   *slog.Logger
}

func newHandleCache(provider FileProvider, logger *slog.Logger) *handleCache {
	return &handleCache{provider: provider, handles: make(map[string]*handle), logger: logger}
}

// get retourne le handle de fileID, en l'ouvrant à la première référence.
func (c *handleCache) get(fileID string) (*handle, error) {
	if h, ok := c.handles[fileID]; ok {
		h.used = true
		return h, nil
	}
	f, err := c.provider.Open(fileID)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("size of %s: %w", fileID, err)
	}
	h := &handle{f: f, r: bufio.NewReaderSize(f, handleBufferSize), size: size, used: true}
	c.handles[fileID] = h
	c.logger.Debug("Opened file handle", "file_id", fileID, "size", size)
	return h, nil
}

// drop ferme le handle après une erreur de lecture : le prochain accès rouvrira
// le fichier, ou échouera proprement s'il a disparu.
func (c *handleCache) drop(fileID string) {
	if h, ok := c.handles[fileID]; ok {
		h.f.Close()
		delete(c.handles, fileID)
	}
}

// sweep ferme les handles restés inutilisés pendant tout un cycle de poll.
func (c *handleCache) sweep() int {
	evicted := 0
	for id, h := range c.handles {
		if !h.used {
			h.f.Close()
			delete(c.handles, id)
			evicted++
			c.logger.Debug("Evicted idle file handle", "file_id", id)
			continue
		}
		h.used = false
	}
	return evicted
}

func (c *handleCache) closeAll() {
	for id, h := range c.handles {
		h.f.Close()
		delete(c.handles, id)
	}
}

func (c *handleCache) len() int { return len(c.handles) }

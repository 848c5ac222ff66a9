package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rendersync/internal/wire"
)

// Filter intercepte chaque message en transit sur un MemoryNetwork. Il reçoit
// une copie décodée qu'il peut modifier, et retourne les messages à livrer :
// aucun (perte), plusieurs (duplication), ou une version altérée.
type Filter func(from, to string, msg *wire.Message) []*wire.Message

// MemoryNetwork relie des MemoryChannel dans le même processus. Chaque message
// passe par l'encodage wire, comme sur le réseau.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryChannel // par adresse
	dialers   map[string]*MemoryChannel // par node id
	filter    Filter
	inboxSize int
	logger    *slog.Logger
}

func NewMemoryNetwork(logger *slog.Logger) *MemoryNetwork {
	if logger == nil {
		logger = slog.Default().With("component", "memory_network")
	}
	return &MemoryNetwork{
		listeners: make(map[string]*MemoryChannel),
		dialers:   make(map[string]*MemoryChannel),
		inboxSize: defaultInboxSize,
		logger:    logger,
	}
}

// SetFilter remplace le filtre courant; nil livre tout tel quel.
func (n *MemoryNetwork) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Listen crée un canal en rôle écoute à addr. Les pairs y sont identifiés par
// le node id de leur Dialer.
func (n *MemoryNetwork) Listen(addr string) (*MemoryChannel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	c := n.newChannel(addr, true)
	n.listeners[addr] = c
	return c, nil
}

// Dialer crée un canal en rôle numérotation pour le nœud nodeID.
func (n *MemoryNetwork) Dialer(nodeID string) *MemoryChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.newChannel(nodeID, false)
	n.dialers[nodeID] = c
	return c
}

func (n *MemoryNetwork) newChannel(id string, listening bool) *MemoryChannel {
	return &MemoryChannel{
		net:       n,
		id:        id,
		listening: listening,
		inbox:     make(chan Envelope, n.inboxSize),
		closed:    make(chan struct{}),
		peers:     make(map[string]string),
	}
}

// MemoryChannel est un Channel en mémoire, dans l'un ou l'autre rôle.
type MemoryChannel struct {
	net       *MemoryNetwork
	id        string // adresse (écoute) ou node id (numérotation)
	listening bool
	inbox     chan Envelope
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	peers map[string]string // rôle numérotation : peer id -> adresse
}

var _ DialingChannel = (*MemoryChannel)(nil)

// Connect ne vérifie rien : comme en UDP, un pair absent ne se voit qu'à
// l'absence de réponse. publicKey est ignoré.
func (c *MemoryChannel) Connect(peerID, addr string, _ []byte) error {
	if c.listening {
		return fmt.Errorf("listening channel %s cannot dial", c.id)
	}
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.mu.Lock()
	c.peers[peerID] = addr
	c.mu.Unlock()
	return nil
}

func (c *MemoryChannel) Disconnect(peerID string) {
	c.mu.Lock()
	delete(c.peers, peerID)
	c.mu.Unlock()
}

func (c *MemoryChannel) Send(_ context.Context, peerID string, msg *wire.Message) error {
	if c.isClosed() {
		return ErrChannelClosed
	}

	// Résoudre la destination et l'identité sous laquelle on y apparaît.
	var dst *MemoryChannel
	var from string
	n := c.net
	if c.listening {
		n.mu.Lock()
		dst = n.dialers[peerID]
		n.mu.Unlock()
		if dst != nil {
			from = dst.peerIDFor(c.id)
		}
	} else {
		c.mu.Lock()
		addr, ok := c.peers[peerID]
		c.mu.Unlock()
		if ok {
			n.mu.Lock()
			dst = n.listeners[addr]
			n.mu.Unlock()
			from = c.id
		}
	}
	if dst == nil || dst.isClosed() || from == "" {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}

	raw, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Kind, err)
	}
	copyMsg := new(wire.Message)
	if err := copyMsg.Unmarshal(raw); err != nil {
		return fmt.Errorf("unmarshal %s: %w", msg.Kind, err)
	}

	n.mu.Lock()
	filter := n.filter
	n.mu.Unlock()
	out := []*wire.Message{copyMsg}
	if filter != nil {
		out = filter(from, peerID, copyMsg)
	}

	for _, m := range out {
		select {
		case dst.inbox <- Envelope{PeerID: from, Msg: m}:
		default:
			n.logger.Debug("Inbox full, dropping message", "to", dst.id, "kind", m.Kind)
		}
	}
	return nil
}

// peerIDFor retrouve l'identifiant sous lequel ce dialer connaît addr.
func (c *MemoryChannel) peerIDFor(addr string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, a := range c.peers {
		if a == addr {
			return id
		}
	}
	return ""
}

func (c *MemoryChannel) Poll(timeout time.Duration) ([]Envelope, error) {
	return drain(c.inbox, c.closed, timeout)
}

func (c *MemoryChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *MemoryChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		n := c.net
		n.mu.Lock()
		if c.listening {
			if n.listeners[c.id] == c {
				delete(n.listeners, c.id)
			}
		} else if n.dialers[c.id] == c {
			delete(n.dialers, c.id)
		}
		n.mu.Unlock()
	})
	return nil
}

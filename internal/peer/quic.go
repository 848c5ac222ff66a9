package peer

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"rendersync/internal/framing"
	"rendersync/internal/wire"

	"github.com/quic-go/quic-go"
)

const (
	// ALPN est le protocole annoncé dans le handshake TLS de QUIC.
	ALPN = "rendersync"

	defaultDialTimeout          = 5 * time.Second
	defaultHandshakeIdleTimeout = 10 * time.Second
	defaultMaxIdleTimeout       = 60 * time.Second
	defaultKeepAlivePeriod      = 15 * time.Second
	defaultWriteTimeout         = 10 * time.Second
	defaultInboxSize            = 4096

	closeCodeNormal   = quic.ApplicationErrorCode(0)
	closeCodeProtocol = quic.ApplicationErrorCode(1)
)

// QUICConfig configure un QUICChannel, dans l'un ou l'autre rôle.
type QUICConfig struct {
	ListenAddr           string      // rôle écoute uniquement
	TLSConfig            *tls.Config // certificat serveur (écoute) ou config client (numérotation)
	DialTimeout          time.Duration
	HandshakeIdleTimeout time.Duration
	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration
	WriteTimeout         time.Duration
	InboxSize            int
	Logger               *slog.Logger
}

func (c *QUICConfig) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.HandshakeIdleTimeout <= 0 {
		c.HandshakeIdleTimeout = defaultHandshakeIdleTimeout
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = defaultMaxIdleTimeout
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = defaultKeepAlivePeriod
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "peer_channel")
	}
}

func (c *QUICConfig) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       c.MaxIdleTimeout,
		HandshakeIdleTimeout: c.HandshakeIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
	}
}

// link est la connexion vers un pair : une connexion QUIC et un flux
// bidirectionnel longue durée qui porte tous les messages.
type link struct {
	peerID    string
	addr      string
	publicKey []byte

	mu      sync.Mutex
	conn    quic.Connection
	stream  quic.Stream
	writer  framing.Writer
	dialing bool
}

func (l *link) ready() (framing.Writer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer, l.writer != nil
}

// QUICChannel est un Channel au-dessus de quic-go. En rôle écoute, l'identité
// d'un pair est l'adresse distante de sa connexion; en rôle numérotation, c'est
// l'identifiant passé à Connect.
type QUICChannel struct {
	config   QUICConfig
	listener *quic.Listener
	inbox    chan Envelope

	mu    sync.Mutex
	links map[string]*link

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ DialingChannel = (*QUICChannel)(nil)

func newQUICChannel(config QUICConfig) *QUICChannel {
	config.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICChannel{
		config: config,
		inbox:  make(chan Envelope, config.InboxSize),
		links:  make(map[string]*link),
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
	}
}

// Listen ouvre un canal en rôle écoute sur config.ListenAddr.
func Listen(config QUICConfig) (*QUICChannel, error) {
	if config.TLSConfig == nil {
		return nil, errors.New("TLSConfig is mandatory for a listening channel")
	}
	c := newQUICChannel(config)

	tlsConf := c.config.TLSConfig.Clone()
	tlsConf.NextProtos = []string{ALPN}
	listener, err := quic.ListenAddr(c.config.ListenAddr, tlsConf, c.config.quicConfig())
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("failed to listen on %s: %w", c.config.ListenAddr, err)
	}
	c.listener = listener
	c.config.Logger.Info("Peer channel listening", "address", listener.Addr().String())

	c.wg.Add(1)
	go c.acceptLoop()
	return c, nil
}

// NewDialer crée un canal en rôle numérotation. Aucune connexion n'est ouverte
// avant Connect.
func NewDialer(config QUICConfig) *QUICChannel {
	c := newQUICChannel(config)
	if c.config.TLSConfig == nil {
		c.config.TLSConfig = &tls.Config{}
	}
	return c
}

// Addr retourne l'adresse d'écoute, ou nil en rôle numérotation.
func (c *QUICChannel) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

func (c *QUICChannel) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
				c.config.Logger.Debug("Accept loop ending", "reason", err)
				return
			}
			c.config.Logger.Error("Failed to accept QUIC connection", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		c.wg.Add(1)
		go c.serveConn(conn)
	}
}

// serveConn attend le flux unique ouvert par le pair puis lit ses messages.
func (c *QUICChannel) serveConn(conn quic.Connection) {
	defer c.wg.Done()
	peerID := conn.RemoteAddr().String()
	logger := c.config.Logger.With("peer_id", peerID)

	stream, err := conn.AcceptStream(c.ctx)
	if err != nil {
		logger.Debug("Connection closed before a stream was opened", "error", err)
		_ = conn.CloseWithError(closeCodeNormal, "no stream")
		return
	}

	l := &link{peerID: peerID, addr: peerID, conn: conn, stream: stream}
	l.writer = framing.NewMessageWriter(stream, logger)
	c.mu.Lock()
	if old, ok := c.links[peerID]; ok {
		c.closeLink(old, "replaced")
	}
	c.links[peerID] = l
	c.mu.Unlock()

	logger.Info("Accepted peer connection")
	c.readLoop(l, stream, logger)
}

// Connect enregistre le pair et lance la numérotation en arrière-plan.
func (c *QUICChannel) Connect(peerID, addr string, publicKey []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	c.mu.Lock()
	l, ok := c.links[peerID]
	if ok && l.addr == addr {
		c.mu.Unlock()
		return nil
	}
	if ok {
		c.closeLink(l, "endpoint changed")
	}
	l = &link{peerID: peerID, addr: addr, publicKey: publicKey}
	c.links[peerID] = l
	c.mu.Unlock()

	c.startDial(l)
	return nil
}

func (c *QUICChannel) startDial(l *link) {
	l.mu.Lock()
	if l.dialing || l.writer != nil {
		l.mu.Unlock()
		return
	}
	l.dialing = true
	l.mu.Unlock()

	c.wg.Add(1)
	go c.dial(l)
}

func (c *QUICChannel) dial(l *link) {
	defer c.wg.Done()
	logger := c.config.Logger.With("peer_id", l.peerID, "address", l.addr)

	fail := func(err error) {
		logger.Warn("Failed to connect to peer", "error", err)
		l.mu.Lock()
		l.dialing = false
		l.mu.Unlock()
	}

	tlsConf, err := c.clientTLS(l.publicKey)
	if err != nil {
		fail(err)
		return
	}

	dialCtx, dialCancel := context.WithTimeout(c.ctx, c.config.DialTimeout)
	defer dialCancel()
	logger.Debug("Dialing peer")
	conn, err := quic.DialAddr(dialCtx, l.addr, tlsConf, c.config.quicConfig())
	if err != nil {
		fail(err)
		return
	}
	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		_ = conn.CloseWithError(closeCodeNormal, "open stream failed")
		fail(err)
		return
	}

	if !c.attach(l, conn, stream, logger) {
		// Disconnect ou Connect vers une autre adresse pendant la numérotation.
		_ = conn.CloseWithError(closeCodeNormal, "peer dropped during dial")
		return
	}
	logger.Info("Connected to peer")

	c.readLoop(l, stream, logger)
}

// attach installe la connexion sur l si l est toujours le lien enregistré.
// c.mu est tenu jusqu'au bout pour qu'un Disconnect concurrent voie soit
// l'ancien état, soit le writer installé (et ferme alors la connexion).
func (c *QUICChannel) attach(l *link, conn quic.Connection, stream quic.Stream, logger *slog.Logger) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dialing = false
	if current, ok := c.links[l.peerID]; !ok || current != l {
		return false
	}
	l.conn = conn
	l.stream = stream
	l.writer = framing.NewMessageWriter(stream, logger)
	return true
}

// clientTLS prépare la config TLS de numérotation. Avec une clé épinglée, la
// chaîne n'est pas vérifiée contre des CA : seule la clé publique compte.
func (c *QUICChannel) clientTLS(publicKey []byte) (*tls.Config, error) {
	conf := c.config.TLSConfig.Clone()
	conf.NextProtos = []string{ALPN}
	if len(publicKey) == 0 {
		return conf, nil
	}
	pinned := bytes.Clone(publicKey)
	conf.InsecureSkipVerify = true
	conf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrPublicKeyMismatch
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}
		if !bytes.Equal(cert.RawSubjectPublicKeyInfo, pinned) {
			return ErrPublicKeyMismatch
		}
		return nil
	}
	return conf, nil
}

// readLoop pousse chaque message reçu dans la boîte de réception. Un message
// indécodable est ignoré; une erreur de framing ferme le lien (le flux n'est
// plus synchronisé).
func (c *QUICChannel) readLoop(l *link, stream quic.Stream, logger *slog.Logger) {
	reader := framing.NewMessageReader(stream, logger)
	for {
		msg := new(wire.Message)
		err := reader.ReadMsg(c.ctx, msg)
		if err != nil {
			if errors.Is(err, wire.ErrMalformedField) {
				logger.Warn("Discarding undecodable message", "error", err)
				continue
			}
			if c.ctx.Err() == nil && !isClosedErr(err) {
				logger.Warn("Peer stream failed, dropping link", "error", err)
			} else {
				logger.Debug("Peer stream closed", "error", err)
			}
			c.dropLink(l, "stream ended", closeCodeProtocol)
			return
		}
		select {
		case c.inbox <- Envelope{PeerID: l.peerID, Msg: msg}:
		case <-c.closed:
			return
		}
	}
}

func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return true
	}
	var idleErr *quic.IdleTimeoutError
	return errors.As(err, &idleErr) || strings.Contains(err.Error(), "closed")
}

// Send écrit le message sur le flux du pair. Si la connexion est tombée, une
// nouvelle numérotation est relancée en arrière-plan.
func (c *QUICChannel) Send(ctx context.Context, peerID string, msg *wire.Message) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	c.mu.Lock()
	l, ok := c.links[peerID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}

	writer, ready := l.ready()
	if !ready {
		if c.listener == nil {
			c.startDial(l)
		}
		return fmt.Errorf("%w: %s (connecting)", ErrPeerNotConnected, peerID)
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()
	if err := writer.WriteMsg(writeCtx, msg); err != nil {
		c.dropLink(l, "write failed", closeCodeProtocol)
		return fmt.Errorf("send %s to %s: %w", msg.Kind, peerID, err)
	}
	return nil
}

// dropLink ferme la connexion du lien. En rôle numérotation le lien reste
// enregistré (sans writer) pour qu'un prochain Send relance la connexion.
func (c *QUICChannel) dropLink(l *link, reason string, code quic.ApplicationErrorCode) {
	l.mu.Lock()
	conn := l.conn
	l.conn, l.stream, l.writer = nil, nil, nil
	l.mu.Unlock()
	if conn != nil {
		_ = conn.CloseWithError(code, reason)
	}
	if c.listener != nil {
		c.mu.Lock()
		if current, ok := c.links[l.peerID]; ok && current == l {
			delete(c.links, l.peerID)
		}
		c.mu.Unlock()
	}
}

// closeLink doit être appelé avec c.mu détenu.
func (c *QUICChannel) closeLink(l *link, reason string) {
	delete(c.links, l.peerID)
	l.mu.Lock()
	conn := l.conn
	l.conn, l.stream, l.writer = nil, nil, nil
	l.mu.Unlock()
	if conn != nil {
		_ = conn.CloseWithError(closeCodeNormal, reason)
	}
}

func (c *QUICChannel) Disconnect(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.links[peerID]; ok {
		c.closeLink(l, "disconnect")
		c.config.Logger.Info("Disconnected peer", "peer_id", peerID)
	}
}

func (c *QUICChannel) Poll(timeout time.Duration) ([]Envelope, error) {
	return drain(c.inbox, c.closed, timeout)
}

// Close ferme le canal, ses connexions, et attend la fin de ses goroutines.
func (c *QUICChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		if c.listener != nil {
			if e := c.listener.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
				err = e
			}
		}
		c.mu.Lock()
		for _, l := range c.links {
			c.closeLink(l, "channel closing")
		}
		c.mu.Unlock()
		c.wg.Wait()
		c.config.Logger.Info("Peer channel closed")
	})
	return err
}

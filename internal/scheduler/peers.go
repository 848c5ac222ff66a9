package scheduler

import (
	"context"
	"fmt"
	"time"

	"rendersync/internal/control"
	"rendersync/internal/peer"
	"rendersync/internal/wire"
)

// remotePeer est un pair déclaré par une commande connect. Ses endpoints sont
// essayés dans l'ordre, chacun avec sa propre fenêtre de handshake.
type remotePeer struct {
	id        string
	endpoints []string
	idx       int
	publicKey []byte

	hs      *peer.Handshake // nil une fois prêt
	ready   bool
	waiting []control.Command // transfer_request reçues avant HELLO!
}

func (p *remotePeer) endpoint() string {
	if p.idx < len(p.endpoints) {
		return p.endpoints[p.idx]
	}
	return ""
}

func (s *Scheduler) connectPeer(now time.Time, cmd control.Command) {
	var pk []byte
	if cmd.PublicKey != "" {
		var err error
		pk, err = peer.ParsePublicKey(cmd.PublicKey)
		if err != nil {
			s.notify(now, control.Notification{Kind: control.KindConnectFailed, PeerID: cmd.PeerID,
				Endpoint: cmd.Endpoints[0], Reason: err.Error()})
			return
		}
	}

	p, exists := s.peers[cmd.PeerID]
	if exists {
		s.config.Logger.Info("Reconnecting known peer", "peer_id", cmd.PeerID)
		s.config.Channel.Disconnect(cmd.PeerID)
	} else {
		p = &remotePeer{id: cmd.PeerID}
		s.peers[cmd.PeerID] = p
	}
	p.endpoints = append([]string(nil), cmd.Endpoints...)
	p.idx = 0
	p.publicKey = pk
	p.ready = false
	s.startEndpoint(now, p)
}

// startEndpoint lance le handshake sur l'endpoint courant, en passant aux
// suivants tant que Connect échoue. Le pair est abandonné après le dernier.
func (s *Scheduler) startEndpoint(now time.Time, p *remotePeer) {
	for p.idx < len(p.endpoints) {
		ep := p.endpoints[p.idx]
		err := s.config.Channel.Connect(p.id, ep, p.publicKey)
		if err == nil {
			p.hs = peer.NewHandshake(p.id, ep, s.maxTimeout, now)
			s.config.Logger.Info("Handshake started", "peer_id", p.id, "endpoint", ep, "timeout", s.maxTimeout)
			return
		}
		s.config.Logger.Warn("Connect failed", "peer_id", p.id, "endpoint", ep, "error", err)
		s.notify(now, control.Notification{Kind: control.KindConnectFailed, PeerID: p.id, Endpoint: ep, Reason: err.Error()})
		p.idx++
	}
	s.dropPeer(now, p, fmt.Sprintf("no endpoint of peer %s answered the handshake", p.id))
}

// tickHandshakes émet les sondes dues et gère les fenêtres expirées.
func (s *Scheduler) tickHandshakes(ctx context.Context, now time.Time) {
	for _, id := range sortedKeys(s.peers) {
		p := s.peers[id]
		if p == nil || p.hs == nil {
			continue
		}
		if p.hs.Expired(now) {
			ep := p.hs.Endpoint
			s.config.Logger.Warn("Handshake timed out", "peer_id", p.id, "endpoint", ep, "probes", p.hs.Probes())
			s.notify(now, control.Notification{Kind: control.KindConnectFailed, PeerID: p.id, Endpoint: ep,
				Reason: fmt.Sprintf("no HELLO! from %s within %s", ep, s.maxTimeout)})
			s.config.Channel.Disconnect(p.id)
			p.hs = nil
			p.idx++
			s.startEndpoint(now, p)
			continue
		}
		if p.hs.ProbeDue(now) {
			p.hs.MarkProbed(now)
			if err := s.send(ctx, p.id, wire.Hello(s.config.NodeID)); err != nil {
				s.config.Logger.Debug("Probe not sent", "peer_id", p.id, "endpoint", p.hs.Endpoint, "error", err)
			}
		}
	}
}

// handshakeDone traite un HELLO! : le pair devient prêt et ses requêtes en
// attente deviennent des tâches.
func (s *Scheduler) handshakeDone(now time.Time, peerID string) {
	p, ok := s.peers[peerID]
	if !ok || p.hs == nil {
		return
	}
	ep := p.hs.Endpoint
	p.hs = nil
	p.ready = true
	s.config.Logger.Info("Peer connected", "peer_id", peerID, "endpoint", ep)
	s.notify(now, control.Notification{Kind: control.KindConnected, PeerID: peerID, Endpoint: ep})

	waiting := p.waiting
	p.waiting = nil
	for _, cmd := range waiting {
		s.startTask(now, cmd)
	}
}

// dropPeer oublie le pair et fait échouer les requêtes qui l'attendaient.
func (s *Scheduler) dropPeer(now time.Time, p *remotePeer, reason string) {
	for _, cmd := range p.waiting {
		s.rejectRequest(now, cmd, reason)
	}
	p.waiting = nil
	p.hs = nil
	delete(s.peers, p.id)
	s.config.Channel.Disconnect(p.id)
}

// disconnectPeer applique la commande disconnect : les tâches du pair échouent.
func (s *Scheduler) disconnectPeer(now time.Time, peerID string) {
	reason := fmt.Sprintf("peer %s disconnected", peerID)
	for _, t := range s.tasks {
		if t.PeerID == peerID {
			t.Fail(now, reason)
		}
	}
	p, ok := s.peers[peerID]
	if !ok {
		s.config.Channel.Disconnect(peerID)
		return
	}
	s.config.Logger.Info("Disconnecting peer", "peer_id", peerID)
	s.dropPeer(now, p, reason)
}

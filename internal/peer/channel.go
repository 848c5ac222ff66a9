// Package peer fournit le canal de messages entre pairs : chaque message entrant
// est étiqueté avec l'identité de son émetteur, ce qui permet à un seul canal de
// multiplexer de nombreux pairs sans objet de connexion côté appelant.
package peer

import (
	"context"
	"errors"
	"time"

	"rendersync/internal/wire"
)

var (
	ErrChannelClosed     = errors.New("peer channel is closed")
	ErrPeerNotConnected  = errors.New("peer is not connected")
	ErrPublicKeyMismatch = errors.New("peer certificate does not match pinned public key")
)

// Envelope est un message reçu, étiqueté par le pair qui l'a émis.
type Envelope struct {
	PeerID string
	Msg    *wire.Message
}

// Channel est un canal de messages asynchrone. Send peut être appelé depuis la
// boucle d'un scheduler; Poll ne bloque jamais plus longtemps que timeout.
type Channel interface {
	// Send envoie msg au pair. Une erreur n'est jamais fatale pour le canal :
	// l'appelant réessaie selon ses propres timers.
	Send(ctx context.Context, peerID string, msg *wire.Message) error

	// Poll attend au plus timeout un premier message puis vide ce qui est déjà
	// arrivé. Retourne ErrChannelClosed une fois le canal fermé.
	Poll(timeout time.Duration) ([]Envelope, error)

	Close() error
}

// DialingChannel est le rôle sortant : il connaît ses pairs par identifiant.
type DialingChannel interface {
	Channel

	// Connect associe peerID à une adresse et démarre la connexion en arrière-plan.
	// Il ne bloque pas : Send retourne ErrPeerNotConnected tant qu'elle n'est pas prête.
	// publicKey (DER SubjectPublicKeyInfo), si non vide, épingle la clé du pair.
	Connect(peerID, addr string, publicKey []byte) error

	// Disconnect ferme la connexion vers peerID, s'il y en a une.
	Disconnect(peerID string)
}

// pollBatchLimit borne le nombre de messages rendus par un seul Poll.
const pollBatchLimit = 1024

// drain implémente Poll au-dessus d'un chan d'enveloppes.
func drain(inbox <-chan Envelope, closed <-chan struct{}, timeout time.Duration) ([]Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []Envelope
	select {
	case env := <-inbox:
		out = append(out, env)
	case <-timer.C:
		return nil, nil
	case <-closed:
		return nil, ErrChannelClosed
	}
	for len(out) < pollBatchLimit {
		select {
		case env := <-inbox:
			out = append(out, env)
		default:
			return out, nil
		}
	}
	return out, nil
}

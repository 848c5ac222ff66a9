package framing

import (
	"context"
)

// Message est ce que le framing sait transporter : tout type capable de se
// sérialiser à la suite d'un buffer et de se reconstruire depuis des octets.
// *wire.Message l'implémente.
type Message interface {
	MarshalAppend(b []byte) ([]byte, error)
	Unmarshal(b []byte) error
}

// Writer écrit des messages framés (préfixe de longueur Uvarint + payload).
type Writer interface {
	// WriteMsg sérialise le message, préfixe sa longueur en Uvarint,
	// et l'écrit dans le io.Writer sous-jacent.
	// Le contexte peut être utilisé pour les timeouts ou l'annulation.
	WriteMsg(ctx context.Context, msg Message) error
}

// Reader lit des messages framés.
type Reader interface {
	// ReadMsg lit la longueur Uvarint puis le payload correspondant,
	// et le désérialise dans le message fourni.
	ReadMsg(ctx context.Context, msg Message) error
}

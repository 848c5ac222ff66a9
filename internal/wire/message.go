// Package wire définit les messages échangés entre pairs (handshake, FILE_INFO,
// FILE_DATA, ERROR) et leur encodage au format protobuf.
//
// Il n'y a pas de code généré : les champs sont encodés directement avec
// protowire, ce qui garde le format compatible avec un .proto équivalent.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind est l'ensemble fermé des types de messages du protocole.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindHello        // HELLO? : sonde de vivacité
	KindHelloAck     // HELLO! : réponse à la sonde
	KindFileInfoRequest
	KindFileInfoReply
	KindFileDataRequest
	KindFileDataReply
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO?"
	case KindHelloAck:
		return "HELLO!"
	case KindFileInfoRequest:
		return "FILE_INFO_REQUEST"
	case KindFileInfoReply:
		return "FILE_INFO_REPLY"
	case KindFileDataRequest:
		return "FILE_DATA_REQUEST"
	case KindFileDataReply:
		return "FILE_DATA_REPLY"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

var (
	ErrUnknownKind    = errors.New("unknown message kind")
	ErrMissingField   = errors.New("required field missing")
	ErrMalformedField = errors.New("malformed field")
)

// Range est une plage d'octets demandée dans un FILE_DATA.
type Range struct {
	Offset int64
	Length int64
}

// Message est l'enveloppe unique de tous les messages du protocole.
// Seuls les champs pertinents pour Kind sont renseignés.
type Message struct {
	Kind      Kind
	RequestID string
	FileID    string
	NodeID    string // identité annoncée par l'émetteur d'un HELLO
	Size      int64  // taille du fichier (FILE_INFO_REPLY)
	Ranges    []Range
	Offset    int64
	Data      []byte
	Digest    []byte
	Reason    string // message d'erreur lisible (ERROR)
}

// Hello construit la sonde de vivacité.
func Hello(nodeID string) *Message {
	return &Message{Kind: KindHello, NodeID: nodeID}
}

// HelloAck construit l'acquittement de la sonde.
func HelloAck(nodeID string) *Message {
	return &Message{Kind: KindHelloAck, NodeID: nodeID}
}

func InfoRequest(fileID, requestID string) *Message {
	return &Message{Kind: KindFileInfoRequest, FileID: fileID, RequestID: requestID}
}

func InfoReply(fileID string, size int64, requestID string) *Message {
	return &Message{Kind: KindFileInfoReply, FileID: fileID, Size: size, RequestID: requestID}
}

func DataRequest(fileID, requestID string, ranges []Range) *Message {
	return &Message{Kind: KindFileDataRequest, FileID: fileID, RequestID: requestID, Ranges: ranges}
}

// DataReply construit la réponse pour une plage; le digest est calculé ici.
func DataReply(fileID string, offset int64, requestID string, data []byte) *Message {
	return &Message{
		Kind:      KindFileDataReply,
		FileID:    fileID,
		Offset:    offset,
		RequestID: requestID,
		Data:      data,
		Digest:    Digest(data),
	}
}

func ErrorReply(fileID, requestID, reason string) *Message {
	return &Message{Kind: KindError, FileID: fileID, RequestID: requestID, Reason: reason}
}

// Validate vérifie la présence des champs obligatoires pour le type du message.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindHello, KindHelloAck:
		return nil
	case KindFileInfoRequest:
		return m.require(m.FileID != "", "file_id", m.RequestID != "", "request_id")
	case KindFileInfoReply:
		if m.Size < 0 {
			return fmt.Errorf("%w: negative size %d", ErrMalformedField, m.Size)
		}
		return m.require(m.FileID != "", "file_id", m.RequestID != "", "request_id")
	case KindFileDataRequest:
		if err := m.require(m.FileID != "", "file_id", m.RequestID != "", "request_id", len(m.Ranges) > 0, "ranges"); err != nil {
			return err
		}
		for _, r := range m.Ranges {
			if r.Offset < 0 || r.Length <= 0 {
				return fmt.Errorf("%w: range offset=%d length=%d", ErrMalformedField, r.Offset, r.Length)
			}
		}
		return nil
	case KindFileDataReply:
		if m.Offset < 0 {
			return fmt.Errorf("%w: negative offset %d", ErrMalformedField, m.Offset)
		}
		if len(m.Digest) != DigestSize {
			return fmt.Errorf("%w: digest length %d, want %d", ErrMalformedField, len(m.Digest), DigestSize)
		}
		return m.require(m.FileID != "", "file_id", m.RequestID != "", "request_id")
	case KindError:
		return m.require(m.RequestID != "", "request_id")
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(m.Kind))
	}
}

// require prend des paires (condition, nom du champ).
func (m *Message) require(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if ok, _ := pairs[i].(bool); !ok {
			return fmt.Errorf("%w: %s in %s", ErrMissingField, pairs[i+1], m.Kind)
		}
	}
	return nil
}

// encodeSize encode la taille en entier big-endian sur 8 octets.
func encodeSize(size int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(size))
	return b[:]
}

func decodeSize(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: size field has %d bytes, want 8", ErrMalformedField, len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

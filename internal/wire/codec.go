package wire

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Numéros de champs. Ne jamais réutiliser un numéro retiré.
const (
	fieldKind      protowire.Number = 1
	fieldRequestID protowire.Number = 2
	fieldFileID    protowire.Number = 3
	fieldNodeID    protowire.Number = 4
	fieldSize      protowire.Number = 5
	fieldRange     protowire.Number = 6
	fieldOffset    protowire.Number = 7
	fieldData      protowire.Number = 8
	fieldDigest    protowire.Number = 9
	fieldReason    protowire.Number = 10

	rangeFieldOffset protowire.Number = 1
	rangeFieldLength protowire.Number = 2
)

// MarshalAppend sérialise le message à la suite de b.
func (m *Message) MarshalAppend(b []byte) ([]byte, error) {
	if m.Kind == KindUnknown {
		return b, fmt.Errorf("%w: cannot marshal message without kind", ErrUnknownKind)
	}
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = appendString(b, fieldRequestID, m.RequestID)
	b = appendString(b, fieldFileID, m.FileID)
	b = appendString(b, fieldNodeID, m.NodeID)
	if m.Kind == KindFileInfoReply {
		b = protowire.AppendTag(b, fieldSize, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSize(m.Size))
	}
	for _, r := range m.Ranges {
		var rb []byte
		rb = protowire.AppendTag(rb, rangeFieldOffset, protowire.VarintType)
		rb = protowire.AppendVarint(rb, uint64(r.Offset))
		rb = protowire.AppendTag(rb, rangeFieldLength, protowire.VarintType)
		rb = protowire.AppendVarint(rb, uint64(r.Length))
		b = protowire.AppendTag(b, fieldRange, protowire.BytesType)
		b = protowire.AppendBytes(b, rb)
	}
	if m.Offset != 0 {
		b = protowire.AppendTag(b, fieldOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Offset))
	}
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	if len(m.Digest) > 0 {
		b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Digest)
	}
	b = appendString(b, fieldReason, m.Reason)
	return b, nil
}

// Marshal est un raccourci pour MarshalAppend(nil).
func (m *Message) Marshal() ([]byte, error) {
	return m.MarshalAppend(nil)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Unmarshal remplace le contenu de m par le message décodé depuis b.
// Les champs inconnus sont ignorés. Les octets de Data et Digest sont copiés :
// b peut provenir d'un buffer réutilisé par le framing.
func (m *Message) Unmarshal(b []byte) error {
	*m = Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %w", ErrMalformedField, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: kind: %w", ErrMalformedField, protowire.ParseError(n))
			}
			m.Kind = Kind(v)
			b = b[n:]
		case num == fieldOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: offset: %w", ErrMalformedField, protowire.ParseError(n))
			}
			m.Offset = int64(v)
			b = b[n:]
		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrMalformedField, num, protowire.ParseError(n))
			}
			if err := m.setBytesField(num, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: unknown field %d: %w", ErrMalformedField, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func isBytesField(num protowire.Number) bool {
	switch num {
	case fieldRequestID, fieldFileID, fieldNodeID, fieldSize, fieldRange, fieldData, fieldDigest, fieldReason:
		return true
	}
	return false
}

func (m *Message) setBytesField(num protowire.Number, v []byte) error {
	switch num {
	case fieldRequestID:
		m.RequestID = string(v)
	case fieldFileID:
		m.FileID = string(v)
	case fieldNodeID:
		m.NodeID = string(v)
	case fieldReason:
		m.Reason = string(v)
	case fieldSize:
		size, err := decodeSize(v)
		if err != nil {
			return err
		}
		m.Size = size
	case fieldData:
		m.Data = bytes.Clone(v)
	case fieldDigest:
		m.Digest = bytes.Clone(v)
	case fieldRange:
		r, err := unmarshalRange(v)
		if err != nil {
			return err
		}
		m.Ranges = append(m.Ranges, r)
	}
	return nil
}

func unmarshalRange(b []byte) (Range, error) {
	var r Range
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("%w: range tag: %w", ErrMalformedField, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType || (num != rangeFieldOffset && num != rangeFieldLength) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, fmt.Errorf("%w: range field %d: %w", ErrMalformedField, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return r, fmt.Errorf("%w: range value: %w", ErrMalformedField, protowire.ParseError(n))
		}
		if num == rangeFieldOffset {
			r.Offset = int64(v)
		} else {
			r.Length = int64(v)
		}
		b = b[n:]
	}
	return r, nil
}

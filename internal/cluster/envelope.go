package cluster

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frame envelope fields.
const (
	envSource  protowire.Number = 1
	envTag     protowire.Number = 2
	envPayload protowire.Number = 3
)

type envelope struct {
	Source  int
	Tag     int
	Payload []byte
}

func (e envelope) marshal() []byte {
	b := make([]byte, 0, len(e.Payload)+16)
	b = protowire.AppendTag(b, envSource, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Source))
	b = protowire.AppendTag(b, envTag, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Tag))
	b = protowire.AppendTag(b, envPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

func unmarshalEnvelope(b []byte) (envelope, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == envSource && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("envelope source: %w", protowire.ParseError(n))
			}
			e.Source = int(v)
			b = b[n:]
		case num == envTag && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("envelope tag value: %w", protowire.ParseError(n))
			}
			e.Tag = int(v)
			b = b[n:]
		case num == envPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, fmt.Errorf("envelope payload: %w", protowire.ParseError(n))
			}
			e.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}

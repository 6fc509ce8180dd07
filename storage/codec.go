package storage

import (
	"bytes"
	"fmt"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the persisted client state message.
const (
	fieldExternalKeyset           protowire.Number = 1
	fieldPageToken                protowire.Number = 2
	fieldLastCompletionTimeMillis protowire.Number = 3
)

// EncodeState serializes a client state in protobuf wire format.
// Empty fields are omitted, so the default state encodes to zero bytes.
func EncodeState(state interfaces.ClientPersistentState) []byte {
	var b []byte
	if len(state.ExternalKeyset) > 0 {
		b = protowire.AppendTag(b, fieldExternalKeyset, protowire.BytesType)
		b = protowire.AppendBytes(b, state.ExternalKeyset)
	}
	if len(state.PageToken) > 0 {
		b = protowire.AppendTag(b, fieldPageToken, protowire.BytesType)
		b = protowire.AppendBytes(b, state.PageToken)
	}
	if state.LastCompletionTimeMillis != 0 {
		b = protowire.AppendTag(b, fieldLastCompletionTimeMillis, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(state.LastCompletionTimeMillis))
	}
	if b == nil {
		return []byte{}
	}
	return b
}

// DecodeState parses bytes produced by EncodeState. Unknown fields are skipped.
func DecodeState(data []byte) (interfaces.ClientPersistentState, error) {
	state := interfaces.DefaultClientPersistentState()

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return state, fmt.Errorf("%w: invalid tag: %v", interfaces.ErrStateCorrupted, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldExternalKeyset && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return state, fmt.Errorf("%w: external keyset: %v", interfaces.ErrStateCorrupted, protowire.ParseError(m))
			}
			state.ExternalKeyset = bytes.Clone(v)
			n = m
		case num == fieldPageToken && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return state, fmt.Errorf("%w: page token: %v", interfaces.ErrStateCorrupted, protowire.ParseError(m))
			}
			state.PageToken = bytes.Clone(v)
			n = m
		case num == fieldLastCompletionTimeMillis && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return state, fmt.Errorf("%w: completion time: %v", interfaces.ErrStateCorrupted, protowire.ParseError(m))
			}
			state.LastCompletionTimeMillis = int64(v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return state, fmt.Errorf("%w: field %d: %v", interfaces.ErrStateCorrupted, num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}

	return state, nil
}

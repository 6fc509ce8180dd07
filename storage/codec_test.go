package storage

import (
	"testing"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeDecodeState(t *testing.T) {
	tests := []struct {
		name  string
		state interfaces.ClientPersistentState
	}{
		{
			name:  "default state",
			state: interfaces.DefaultClientPersistentState(),
		},
		{
			name:  "keyset only",
			state: interfaces.DefaultClientPersistentState().WithExternalKeyset([]byte{0x08, 0x01, 0x12, 0x00}),
		},
		{
			name: "all fields",
			state: interfaces.DefaultClientPersistentState().
				WithExternalKeyset([]byte("keyset")).
				WithPageToken([]byte("token")).
				WithLastCompletionTimeMillis(1700000000000),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := DecodeState(EncodeState(tt.state))
			require.NoError(t, err)
			assert.True(t, tt.state.Equal(decoded), "decoded %+v, want %+v", decoded, tt.state)
		})
	}
}

func TestEncodeState_DefaultIsEmpty(t *testing.T) {
	assert.Empty(t, EncodeState(interfaces.DefaultClientPersistentState()))
}

func TestDecodeState_SkipsUnknownFields(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))
	b = protowire.AppendTag(b, fieldPageToken, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("token"))
	b = protowire.AppendTag(b, 10, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)

	state, err := DecodeState(b)
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), state.PageToken)
	assert.Empty(t, state.ExternalKeyset)
}

func TestDecodeState_Corrupted(t *testing.T) {
	valid := EncodeState(interfaces.DefaultClientPersistentState().WithExternalKeyset([]byte("keyset-bytes")))

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated value", valid[:len(valid)-3]},
		{"truncated tag", []byte{0x80}},
		{"invalid field number", []byte{0x00}},
		{"length past end", []byte{0x0a, 0x7f, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeState(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, interfaces.ErrStateCorrupted)
		})
	}
}

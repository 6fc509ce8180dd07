package keys

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tink-crypto/tink-go/v2/hybrid"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/signature"
)

type staticMasterKey []byte

func (k staticMasterKey) ReadOrGenerateMasterKey(context.Context) ([]byte, error) {
	return k, nil
}

type failingMasterKey struct{}

func (failingMasterKey) ReadOrGenerateMasterKey(context.Context) ([]byte, error) {
	return nil, errors.New("keystore unavailable")
}

func randomMasterKey(t *testing.T) staticMasterKey {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	return NewManager(randomMasterKey(t), slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func TestManager_EncryptDecryptRoundTrip(t *testing.T) {
	m := newTestManager(t)
	k, err := m.Generate()
	require.NoError(t, err)
	assert.True(t, k.IsPrivate())

	tests := []struct {
		name string
		msg  []byte
		ad   []byte
	}{
		{"with associated data", []byte("download blob"), []byte("client-1")},
		{"empty associated data", []byte("download blob"), []byte{}},
		{"nil associated data", []byte{0x00, 0x01}, nil},
		{"large message", make([]byte, 64*1024), []byte("ad")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := k.Encrypt(tt.msg, tt.ad)
			require.NoError(t, err)

			pt, err := k.Decrypt(ct, tt.ad)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, pt)
		})
	}
}

func TestManager_DecryptWrongAssociatedData(t *testing.T) {
	m := newTestManager(t)
	k, err := m.Generate()
	require.NoError(t, err)

	ct, err := k.Encrypt([]byte("msg"), []byte("ad"))
	require.NoError(t, err)

	_, err = k.Decrypt(ct, []byte("other"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, interfaces.ErrNoPrivateKey)

	var secErr *interfaces.SecurityError
	assert.ErrorAs(t, err, &secErr)
}

func TestManager_PublicOnlyCannotDecrypt(t *testing.T) {
	m := newTestManager(t)
	private, err := m.Generate()
	require.NoError(t, err)

	exported, err := private.ExportPublic()
	require.NoError(t, err)

	public, err := m.LoadPublic(exported)
	require.NoError(t, err)
	assert.False(t, public.IsPrivate())

	// Encrypting with the public half is decryptable by the private half
	ct, err := public.Encrypt([]byte("msg"), []byte("ad"))
	require.NoError(t, err)
	pt, err := private.Decrypt(ct, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("msg"), pt)

	_, err = public.Decrypt(ct, []byte("ad"))
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrNoPrivateKey)

	var secErr *interfaces.SecurityError
	assert.ErrorAs(t, err, &secErr)

	_, err = m.ExportEncrypted(context.Background(), public)
	assert.ErrorIs(t, err, interfaces.ErrNoPrivateKey)
}

func TestManager_LoadPublicRejectsSecrets(t *testing.T) {
	m := newTestManager(t)
	k, err := m.Generate()
	require.NoError(t, err)

	wrapped, err := m.ExportEncrypted(context.Background(), k)
	require.NoError(t, err)

	_, err = m.LoadPublic(wrapped)
	assert.Error(t, err)

	_, err = m.LoadPublic([]byte("garbage"))
	assert.Error(t, err)
}

func TestManager_WrapRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	k, err := m.Generate()
	require.NoError(t, err)

	wrapped, err := m.ExportEncrypted(ctx, k)
	require.NoError(t, err)

	loaded, err := m.LoadFromEncrypted(ctx, wrapped)
	require.NoError(t, err)
	assert.True(t, loaded.IsPrivate())

	want, err := StableHash(k)
	require.NoError(t, err)
	got, err := StableHash(loaded)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	ct, err := k.Encrypt([]byte("msg"), nil)
	require.NoError(t, err)
	pt, err := loaded.Decrypt(ct, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("msg"), pt)
}

func TestManager_UnwrapWithRotatedMasterKey(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	k, err := NewManager(randomMasterKey(t), logger).Generate()
	require.NoError(t, err)
	wrapped, err := NewManager(randomMasterKey(t), logger).ExportEncrypted(ctx, k)
	require.NoError(t, err)

	_, err = NewManager(randomMasterKey(t), logger).LoadFromEncrypted(ctx, wrapped)
	require.Error(t, err)

	var storageErr *interfaces.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, interfaces.ErrKeysetUnwrap)
}

func TestManager_MasterKeyUnavailable(t *testing.T) {
	m := NewManager(failingMasterKey{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	k, err := m.Generate()
	require.NoError(t, err)

	_, err = m.ExportEncrypted(context.Background(), k)
	var storageErr *interfaces.StorageError
	assert.ErrorAs(t, err, &storageErr)

	_, err = m.LoadFromEncrypted(context.Background(), []byte("wrapped"))
	assert.ErrorAs(t, err, &storageErr)
}

func TestStableHash_Deterministic(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		inputSize int
	}{
		{name: "ecies p256", inputSize: 65},
		{
			name:      "hpke x25519",
			opts:      []Option{WithKeyTemplate(hybrid.DHKEM_X25519_HKDF_SHA256_HKDF_SHA256_AES_256_GCM_Key_Template)},
			inputSize: 32,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, tt.opts...)
			k, err := m.Generate()
			require.NoError(t, err)

			h1, err := StableHash(k)
			require.NoError(t, err)
			h2, err := StableHash(k)
			require.NoError(t, err)
			assert.Equal(t, h1, h2)

			// Re-serializing the public half does not change the hash
			exported, err := k.ExportPublic()
			require.NoError(t, err)
			public, err := m.LoadPublic(exported)
			require.NoError(t, err)
			h3, err := StableHash(public)
			require.NoError(t, err)
			assert.Equal(t, h1, h3)

			input, err := StableHashInput(k)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(input), tt.inputSize)
			if tt.inputSize == 65 {
				assert.Equal(t, byte(0x04), input[0])
			}

			other, err := m.Generate()
			require.NoError(t, err)
			h4, err := StableHash(other)
			require.NoError(t, err)
			assert.NotEqual(t, h1, h4)
		})
	}
}

func TestEciesHashInput_StripsPadding(t *testing.T) {
	tests := []struct {
		name string
		x    []byte
		y    []byte
		want []byte
	}{
		{
			name: "no padding",
			x:    []byte{0x81, 0x02},
			y:    []byte{0x03},
			want: []byte{0x04, 0x81, 0x02, 0x03},
		},
		{
			name: "sign padding byte",
			x:    []byte{0x00, 0x81, 0x02},
			y:    []byte{0x00, 0xff},
			want: []byte{0x04, 0x81, 0x02, 0xff},
		},
		{
			name: "multiple zero bytes",
			x:    []byte{0x00, 0x00, 0x01},
			y:    []byte{0x00, 0x00, 0x00, 0x02},
			want: []byte{0x04, 0x01, 0x02},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eciesHashInput(tt.x, tt.y))
		})
	}
}

func TestStableHashInput_Rejects(t *testing.T) {
	t.Run("unsupported key type", func(t *testing.T) {
		priv, err := keyset.NewHandle(signature.ECDSAP256KeyTemplate())
		require.NoError(t, err)
		pub, err := priv.Public()
		require.NoError(t, err)

		_, err = stableHashInput(pub)
		assert.ErrorIs(t, err, interfaces.ErrUnsupportedKeyType)
	})

	t.Run("more than one key", func(t *testing.T) {
		mgr := keyset.NewManager()
		id, err := mgr.Add(DefaultKeyTemplate())
		require.NoError(t, err)
		_, err = mgr.Add(DefaultKeyTemplate())
		require.NoError(t, err)
		require.NoError(t, mgr.SetPrimary(id))

		handle, err := mgr.Handle()
		require.NoError(t, err)

		k, err := newKeyset(handle)
		require.NoError(t, err)

		_, err = StableHash(k)
		require.Error(t, err)
		var secErr *interfaces.SecurityError
		assert.ErrorAs(t, err, &secErr)
	})
}

func TestManager_ConcurrentTemplateResolution(t *testing.T) {
	m := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Generate()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.NotNil(t, m.template.Load())
}

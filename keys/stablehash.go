package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/metrics"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	eciespb "github.com/tink-crypto/tink-go/v2/proto/ecies_aead_hkdf_go_proto"
	hpkepb "github.com/tink-crypto/tink-go/v2/proto/hpke_go_proto"
	"google.golang.org/protobuf/proto"
)

const (
	eciesPublicKeyTypeURL = "type.googleapis.com/google.crypto.tink.EciesAeadHkdfPublicKey"
	hpkePublicKeyTypeURL  = "type.googleapis.com/google.crypto.tink.HpkePublicKey"

	uncompressedPointPrefix = 0x04
)

// StableKeyHash is the SHA-256 digest of a public key's canonical encoding.
// It only depends on the mathematical key, not on how the keyset was serialized.
type StableKeyHash [32]byte

// String returns the lower-case hex encoding.
func (h StableKeyHash) String() string {
	return hex.EncodeToString(h[:])
}

// StableHash computes the StableKeyHash of the keyset's public key.
func StableHash(k *Keyset) (StableKeyHash, error) {
	input, err := StableHashInput(k)
	if err != nil {
		return StableKeyHash{}, err
	}
	metrics.RecordKeysetOperation(metrics.OpStableHash, metrics.StatusSuccess)
	return sha256.Sum256(input), nil
}

// StableHashInput returns the canonical encoding hashed by StableHash.
//
// The keyset must hold exactly one key:
//   - ECIES keys encode as 0x04 || X || Y with leading zero bytes of both
//     coordinates stripped
//   - HPKE keys encode as their raw public key bytes
//
// Any other key type fails with ErrUnsupportedKeyType.
func StableHashInput(k *Keyset) ([]byte, error) {
	pub, err := k.publicHandle()
	if err != nil {
		return nil, k.fail(metrics.OpStableHash, err)
	}

	input, err := stableHashInput(pub)
	if err != nil {
		return nil, k.fail(metrics.OpStableHash, err)
	}
	return input, nil
}

func stableHashInput(pub *keyset.Handle) ([]byte, error) {
	material := insecurecleartextkeyset.KeysetMaterial(pub)
	if n := len(material.GetKey()); n != 1 {
		return nil, fmt.Errorf("expected exactly 1 key, got %d", n)
	}

	keyData := material.GetKey()[0].GetKeyData()
	switch keyData.GetTypeUrl() {
	case eciesPublicKeyTypeURL:
		key := new(eciespb.EciesAeadHkdfPublicKey)
		if err := proto.Unmarshal(keyData.GetValue(), key); err != nil {
			return nil, fmt.Errorf("failed to parse ECIES public key: %w", err)
		}
		if len(key.GetX()) == 0 || len(key.GetY()) == 0 {
			return nil, fmt.Errorf("invalid ECIES public key: missing curve point")
		}
		return eciesHashInput(key.GetX(), key.GetY()), nil

	case hpkePublicKeyTypeURL:
		key := new(hpkepb.HpkePublicKey)
		if err := proto.Unmarshal(keyData.GetValue(), key); err != nil {
			return nil, fmt.Errorf("failed to parse HPKE public key: %w", err)
		}
		if len(key.GetPublicKey()) == 0 {
			return nil, fmt.Errorf("invalid HPKE public key: empty")
		}
		return append([]byte(nil), key.GetPublicKey()...), nil

	default:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnsupportedKeyType, keyData.GetTypeUrl())
	}
}

// eciesHashInput formats a NIST curve point as an uncompressed SEC1 point
// over the minimal big-endian encodings of its coordinates.
func eciesHashInput(x, y []byte) []byte {
	xs := new(big.Int).SetBytes(x).Bytes()
	ys := new(big.Int).SetBytes(y).Bytes()

	out := make([]byte, 0, 1+len(xs)+len(ys))
	out = append(out, uncompressedPointPrefix)
	out = append(out, xs...)
	out = append(out, ys...)
	return out
}

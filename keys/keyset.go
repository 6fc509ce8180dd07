package keys

import (
	"bytes"
	"fmt"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
	"github.com/ruteri/tee-vm-provisioning/metrics"
	"github.com/tink-crypto/tink-go/v2/hybrid"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	tinkpb "github.com/tink-crypto/tink-go/v2/proto/tink_go_proto"
)

// Keyset is a hybrid encryption keyset. A private keyset can encrypt and
// decrypt; a public-only keyset can only encrypt and never holds private
// key material.
type Keyset struct {
	handle  *keyset.Handle
	private bool
}

func newKeyset(handle *keyset.Handle) (*Keyset, error) {
	private, err := hasPrivateKey(handle)
	if err != nil {
		return nil, err
	}
	return &Keyset{handle: handle, private: private}, nil
}

// IsPrivate reports whether the keyset can decrypt.
func (k *Keyset) IsPrivate() bool {
	return k.private
}

// Encrypt encrypts plaintext bound to associatedData. Works on both variants.
func (k *Keyset) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	pub, err := k.publicHandle()
	if err != nil {
		return nil, k.fail(metrics.OpEncrypt, err)
	}

	enc, err := hybrid.NewHybridEncrypt(pub)
	if err != nil {
		return nil, k.fail(metrics.OpEncrypt, fmt.Errorf("failed to create hybrid encrypt primitive: %w", err))
	}

	ciphertext, err := enc.Encrypt(plaintext, associatedData)
	if err != nil {
		return nil, k.fail(metrics.OpEncrypt, err)
	}

	metrics.RecordKeysetOperation(metrics.OpEncrypt, metrics.StatusSuccess)
	return ciphertext, nil
}

// Decrypt decrypts ciphertext bound to associatedData. A public-only keyset
// fails with ErrNoPrivateKey before any decryption is attempted.
func (k *Keyset) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	if !k.private {
		return nil, k.fail(metrics.OpDecrypt, interfaces.ErrNoPrivateKey)
	}

	dec, err := hybrid.NewHybridDecrypt(k.handle)
	if err != nil {
		return nil, k.fail(metrics.OpDecrypt, fmt.Errorf("failed to create hybrid decrypt primitive: %w", err))
	}

	plaintext, err := dec.Decrypt(ciphertext, associatedData)
	if err != nil {
		return nil, k.fail(metrics.OpDecrypt, err)
	}

	metrics.RecordKeysetOperation(metrics.OpDecrypt, metrics.StatusSuccess)
	return plaintext, nil
}

// ExportPublic serializes the public half as a binary tink keyset, also for
// a private keyset.
func (k *Keyset) ExportPublic() ([]byte, error) {
	pub, err := k.publicHandle()
	if err != nil {
		return nil, k.fail(metrics.OpExportPublic, err)
	}

	buf := new(bytes.Buffer)
	if err := pub.WriteWithNoSecrets(keyset.NewBinaryWriter(buf)); err != nil {
		return nil, k.fail(metrics.OpExportPublic, fmt.Errorf("failed to serialize public keyset: %w", err))
	}

	metrics.RecordKeysetOperation(metrics.OpExportPublic, metrics.StatusSuccess)
	return buf.Bytes(), nil
}

func (k *Keyset) publicHandle() (*keyset.Handle, error) {
	if !k.private {
		return k.handle, nil
	}
	pub, err := k.handle.Public()
	if err != nil {
		return nil, fmt.Errorf("failed to derive public keyset: %w", err)
	}
	return pub, nil
}

func (k *Keyset) fail(op string, err error) error {
	metrics.RecordKeysetOperation(op, metrics.StatusError)
	return &interfaces.SecurityError{Op: op, Err: err}
}

// hasPrivateKey inspects the key material types of the keyset. Mixed
// keysets are rejected.
func hasPrivateKey(handle *keyset.Handle) (bool, error) {
	material := insecurecleartextkeyset.KeysetMaterial(handle)
	if len(material.GetKey()) == 0 {
		return false, fmt.Errorf("keyset is empty")
	}

	var private, public int
	for _, key := range material.GetKey() {
		switch key.GetKeyData().GetKeyMaterialType() {
		case tinkpb.KeyData_ASYMMETRIC_PRIVATE:
			private++
		case tinkpb.KeyData_ASYMMETRIC_PUBLIC:
			public++
		default:
			return false, fmt.Errorf("unexpected key material type %s", key.GetKeyData().GetKeyMaterialType())
		}
	}

	if private > 0 && public > 0 {
		return false, fmt.Errorf("keyset mixes private and public keys")
	}
	return private > 0, nil
}

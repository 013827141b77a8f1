package engine

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Identity is the local signing identity.
type Identity struct {
	Name       string
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// NewIdentity generates a fresh ed25519 signing identity for name.
func NewIdentity(name string) (*Identity, error) {
	if name == "" {
		return nil, fmt.Errorf("identity name is empty")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Identity{Name: name, PublicKey: pub, privateKey: priv}, nil
}

// Sign signs msg with the identity key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.privateKey, msg)
}

// Fingerprint is a short hex digest of name and public key, suitable for
// out-of-band comparison.
func (id *Identity) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(id.Name))
	h.Write([]byte{0})
	h.Write(id.PublicKey)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, msg, sig)
}

// Package devengine is a small in-process group engine for development and
// tests. Group secrets travel inside the group info handed to the delivery
// service, so it gives no confidentiality against that service. Production
// deployments plug a real group-protocol implementation into engine.Engine.
package devengine

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/matheus3301/mlschat/internal/engine"
)

const secretSize = 32

var (
	errWrongGroup = errors.New("ciphertext belongs to another group")
	errWrongEpoch = errors.New("ciphertext epoch does not match group state")
	errBadSig     = errors.New("sender signature invalid")
	errForeign    = errors.New("state was not created by this engine")
)

// Engine implements engine.Engine for one local identity.
type Engine struct {
	id *engine.Identity
}

var _ engine.Engine = (*Engine)(nil)

// New returns an engine acting as id.
func New(id *engine.Identity) *Engine {
	return &Engine{id: id}
}

type groupState struct {
	groupID string
	epoch   uint64
	secret  []byte
	members []string
	key     []byte
}

func (s *groupState) GroupID() string   { return s.groupID }
func (s *groupState) Epoch() uint64     { return s.epoch }
func (s *groupState) Members() []string { return slices.Clone(s.members) }

func (s *groupState) addMember(name string) {
	if !slices.Contains(s.members, name) {
		s.members = append(s.members, name)
	}
}

// groupInfo doubles as the Welcome artifact.
type groupInfo struct {
	GroupID string   `cbor:"1,keyasint"`
	Epoch   uint64   `cbor:"2,keyasint"`
	Secret  []byte   `cbor:"3,keyasint"`
	Members []string `cbor:"4,keyasint"`
}

type keyPackage struct {
	Identity string `cbor:"1,keyasint"`
	SignKey  []byte `cbor:"2,keyasint"`
	Nonce    []byte `cbor:"3,keyasint"`
	Sig      []byte `cbor:"4,keyasint"`
}

type sealed struct {
	GroupID string `cbor:"1,keyasint"`
	Epoch   uint64 `cbor:"2,keyasint"`
	Nonce   []byte `cbor:"3,keyasint"`
	Box     []byte `cbor:"4,keyasint"`
}

type frame struct {
	Sender  string `cbor:"1,keyasint"`
	SignKey []byte `cbor:"2,keyasint"`
	Body    []byte `cbor:"3,keyasint"`
	Sig     []byte `cbor:"4,keyasint"`
}

func (e *Engine) CreateGroup(groupID string) (engine.State, error) {
	if groupID == "" {
		return nil, engine.Wrap("create_group", errors.New("empty group id"))
	}
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, engine.Wrap("create_group", err)
	}
	st, err := newState(groupID, 0, secret, []string{e.id.Name})
	return st, engine.Wrap("create_group", err)
}

func (e *Engine) GroupInfo(st engine.State) ([]byte, error) {
	gs, ok := st.(*groupState)
	if !ok {
		return nil, engine.Wrap("group_info", errForeign)
	}
	b, err := cbor.Marshal(groupInfo{GroupID: gs.groupID, Epoch: gs.epoch, Secret: gs.secret, Members: gs.members})
	return b, engine.Wrap("group_info", err)
}

func (e *Engine) GenerateKeyPackage(identity string) ([]byte, error) {
	if identity != e.id.Name {
		return nil, engine.Wrap("generate_key_package", fmt.Errorf("engine acts as %q, not %q", e.id.Name, identity))
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, engine.Wrap("generate_key_package", err)
	}
	kp := keyPackage{Identity: identity, SignKey: e.id.PublicKey, Nonce: nonce}
	kp.Sig = e.id.Sign(kp.signedBytes())
	b, err := cbor.Marshal(kp)
	return b, engine.Wrap("generate_key_package", err)
}

func (kp keyPackage) signedBytes() []byte {
	out := make([]byte, 0, len(kp.Identity)+len(kp.SignKey)+len(kp.Nonce)+1)
	out = append(out, kp.Identity...)
	out = append(out, 0)
	out = append(out, kp.SignKey...)
	return append(out, kp.Nonce...)
}

// VerifyKeyPackage checks a serialized key package and returns its identity.
func VerifyKeyPackage(b []byte) (string, error) {
	var kp keyPackage
	if err := cbor.Unmarshal(b, &kp); err != nil {
		return "", fmt.Errorf("decode key package: %w", err)
	}
	if !engine.Verify(ed25519.PublicKey(kp.SignKey), kp.signedBytes(), kp.Sig) {
		return "", errBadSig
	}
	return kp.Identity, nil
}

func (e *Engine) ProcessWelcome(welcome []byte) (engine.State, error) {
	var gi groupInfo
	if err := cbor.Unmarshal(welcome, &gi); err != nil {
		return nil, engine.Wrap("process_welcome", fmt.Errorf("decode welcome: %w", err))
	}
	if gi.GroupID == "" || len(gi.Secret) != secretSize {
		return nil, engine.Wrap("process_welcome", errors.New("welcome is incomplete"))
	}
	st, err := newState(gi.GroupID, gi.Epoch, gi.Secret, gi.Members)
	if err != nil {
		return nil, engine.Wrap("process_welcome", err)
	}
	st.addMember(e.id.Name)
	return st, nil
}

func (e *Engine) Encrypt(st engine.State, plaintext []byte) ([]byte, error) {
	gs, ok := st.(*groupState)
	if !ok {
		return nil, engine.Wrap("encrypt", errForeign)
	}
	f := frame{Sender: e.id.Name, SignKey: e.id.PublicKey, Body: plaintext}
	f.Sig = e.id.Sign(f.signedBytes(gs.groupID))
	inner, err := cbor.Marshal(f)
	if err != nil {
		return nil, engine.Wrap("encrypt", err)
	}

	aead, err := chacha20poly1305.NewX(gs.key)
	if err != nil {
		return nil, engine.Wrap("encrypt", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, engine.Wrap("encrypt", err)
	}
	out := sealed{
		GroupID: gs.groupID,
		Epoch:   gs.epoch,
		Nonce:   nonce,
		Box:     aead.Seal(nil, nonce, inner, []byte(gs.groupID)),
	}
	b, err := cbor.Marshal(out)
	return b, engine.Wrap("encrypt", err)
}

func (e *Engine) Decrypt(st engine.State, ciphertext []byte) (engine.Plaintext, error) {
	gs, ok := st.(*groupState)
	if !ok {
		return engine.Plaintext{}, engine.Wrap("decrypt", errForeign)
	}
	var in sealed
	if err := cbor.Unmarshal(ciphertext, &in); err != nil {
		return engine.Plaintext{}, engine.Wrap("decrypt", fmt.Errorf("decode ciphertext: %w", err))
	}
	if in.GroupID != gs.groupID {
		return engine.Plaintext{}, engine.Wrap("decrypt", errWrongGroup)
	}
	if in.Epoch != gs.epoch {
		return engine.Plaintext{}, engine.Wrap("decrypt", errWrongEpoch)
	}
	aead, err := chacha20poly1305.NewX(gs.key)
	if err != nil {
		return engine.Plaintext{}, engine.Wrap("decrypt", err)
	}
	if len(in.Nonce) != aead.NonceSize() {
		return engine.Plaintext{}, engine.Wrap("decrypt", errors.New("bad nonce size"))
	}
	inner, err := aead.Open(nil, in.Nonce, in.Box, []byte(gs.groupID))
	if err != nil {
		return engine.Plaintext{}, engine.Wrap("decrypt", err)
	}
	var f frame
	if err := cbor.Unmarshal(inner, &f); err != nil {
		return engine.Plaintext{}, engine.Wrap("decrypt", fmt.Errorf("decode frame: %w", err))
	}
	if !engine.Verify(ed25519.PublicKey(f.SignKey), f.signedBytes(gs.groupID), f.Sig) {
		return engine.Plaintext{}, engine.Wrap("decrypt", errBadSig)
	}
	gs.addMember(f.Sender)
	return engine.Plaintext{Sender: f.Sender, Body: f.Body}, nil
}

func (f frame) signedBytes(groupID string) []byte {
	out := make([]byte, 0, len(groupID)+len(f.Sender)+len(f.Body)+2)
	out = append(out, groupID...)
	out = append(out, 0)
	out = append(out, f.Sender...)
	out = append(out, 0)
	return append(out, f.Body...)
}

func newState(groupID string, epoch uint64, secret []byte, members []string) (*groupState, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	info := []byte("mlschat app key " + strconv.FormatUint(epoch, 10))
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(groupID), info), key); err != nil {
		return nil, err
	}
	return &groupState{
		groupID: groupID,
		epoch:   epoch,
		secret:  slices.Clone(secret),
		members: slices.Clone(members),
		key:     key,
	}, nil
}

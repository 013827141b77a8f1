package devengine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matheus3301/mlschat/internal/engine"
)

func newEngine(t *testing.T, name string) *Engine {
	t.Helper()
	id, err := engine.NewIdentity(name)
	require.NoError(t, err)
	return New(id)
}

func TestCreateJoinRoundTrip(t *testing.T) {
	alice := newEngine(t, "alice")
	bob := newEngine(t, "bob")

	ast, err := alice.CreateGroup("g1")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, ast.Members())

	info, err := alice.GroupInfo(ast)
	require.NoError(t, err)

	bst, err := bob.ProcessWelcome(info)
	require.NoError(t, err)
	require.Equal(t, "g1", bst.GroupID())
	require.ElementsMatch(t, []string{"alice", "bob"}, bst.Members())

	ct, err := alice.Encrypt(ast, []byte("hello"))
	require.NoError(t, err)

	pt, err := bob.Decrypt(bst, ct)
	require.NoError(t, err)
	require.Equal(t, "alice", pt.Sender)
	require.Equal(t, "hello", string(pt.Body))

	// alice learns about bob from his first message
	ct, err = bob.Encrypt(bst, []byte("hi"))
	require.NoError(t, err)
	pt, err = alice.Decrypt(ast, ct)
	require.NoError(t, err)
	require.Equal(t, "bob", pt.Sender)
	require.ElementsMatch(t, []string{"alice", "bob"}, ast.Members())
}

func TestDecryptRejectsOtherGroup(t *testing.T) {
	e := newEngine(t, "alice")
	g1, err := e.CreateGroup("g1")
	require.NoError(t, err)
	g2, err := e.CreateGroup("g2")
	require.NoError(t, err)

	ct, err := e.Encrypt(g1, []byte("secret"))
	require.NoError(t, err)

	_, err = e.Decrypt(g2, ct)
	require.Error(t, err)
	require.True(t, errors.Is(err, engine.ErrEngine))
	require.ErrorIs(t, err, errWrongGroup)
}

func TestDecryptRejectsTampering(t *testing.T) {
	e := newEngine(t, "alice")
	st, err := e.CreateGroup("g1")
	require.NoError(t, err)

	_, err = e.Decrypt(st, []byte("not cbor at all"))
	require.ErrorIs(t, err, engine.ErrEngine)

	// same group id, different secret
	other := newEngine(t, "mallory")
	ost, err := other.CreateGroup("g1")
	require.NoError(t, err)
	ct, err := other.Encrypt(ost, []byte("x"))
	require.NoError(t, err)
	_, err = e.Decrypt(st, ct)
	require.ErrorIs(t, err, engine.ErrEngine)
}

func TestGroupsHaveIndependentSecrets(t *testing.T) {
	e := newEngine(t, "alice")
	a, err := e.CreateGroup("same")
	require.NoError(t, err)
	b, err := e.CreateGroup("same")
	require.NoError(t, err)
	require.NotEqual(t, a.(*groupState).key, b.(*groupState).key)
}

func TestKeyPackage(t *testing.T) {
	e := newEngine(t, "alice")

	kp, err := e.GenerateKeyPackage("alice")
	require.NoError(t, err)
	name, err := VerifyKeyPackage(kp)
	require.NoError(t, err)
	require.Equal(t, "alice", name)

	kp2, err := e.GenerateKeyPackage("alice")
	require.NoError(t, err)
	require.NotEqual(t, kp, kp2)

	_, err = e.GenerateKeyPackage("bob")
	require.ErrorIs(t, err, engine.ErrEngine)

	_, err = VerifyKeyPackage([]byte{0xff})
	require.Error(t, err)
}

func TestProcessWelcomeRejectsGarbage(t *testing.T) {
	e := newEngine(t, "bob")
	_, err := e.ProcessWelcome(nil)
	require.ErrorIs(t, err, engine.ErrEngine)
	_, err = e.ProcessWelcome([]byte("nope"))
	require.ErrorIs(t, err, engine.ErrEngine)
}

func TestCreateGroupEmptyID(t *testing.T) {
	e := newEngine(t, "alice")
	_, err := e.CreateGroup("")
	var opErr *engine.OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, "create_group", opErr.Op)
}

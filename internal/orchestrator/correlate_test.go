package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/registry"
	"github.com/matheus3301/mlschat/internal/status"
	"github.com/matheus3301/mlschat/internal/wire"
)

// joinedHarness returns a connected harness that has joined gid and whose
// key package publish has been answered.
func joinedHarness(t *testing.T, gid string) *harness {
	t.Helper()
	h := newHarness(t, true, nil)
	_, info := newPeer(t, "alice").group(t, gid)
	require.NoError(t, h.joinVia(gid, info).Err)
	h.push(&wire.KeyPackagePublished{Success: true})
	h.eventually(func() bool {
		res, err := h.do(Intent{Kind: IntentStatus})
		return err == nil && res.Status.Pending == 0
	}, "publish answered")
	return h
}

func waitNotice(t *testing.T, notices <-chan bus.Event, substr string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-notices:
			if strings.Contains(evt.Payload.(bus.Notice).Text, substr) {
				return
			}
		case <-deadline:
			t.Fatalf("no notice containing %q", substr)
		}
	}
}

func TestErrorChargedToTheGroupItNames(t *testing.T) {
	h := joinedHarness(t, "stale")
	notices, unsub := h.bus.Subscribe(bus.KindStatusNotice, 16)
	defer unsub()

	_, err := h.do(Intent{Kind: IntentFetch, GroupID: "stale"})
	require.NoError(t, err)
	reply := h.submit(Intent{Kind: IntentCreate, Name: "fresh"})
	env := h.waitSent(wire.TypeCreateGroup).(*wire.CreateGroup)

	h.push(&wire.Error{Message: "group not found: stale"})
	h.push(&wire.GroupCreated{GroupID: env.GroupID, Success: true})

	out := h.await(reply)
	require.NoError(t, out.Err)
	require.False(t, out.Result.Warning, out.Result.Text)
	require.Equal(t, registry.Linked, h.snapshot(env.GroupID).Mode)
	waitNotice(t, notices, "Fetch for stale failed")
}

func TestRefusedSendLeavesPendingJoinAlone(t *testing.T) {
	h := joinedHarness(t, "stale")
	_, info := newPeer(t, "carol").group(t, "real")

	_, err := h.do(Intent{Kind: IntentSend, GroupID: "stale", Text: "anyone?"})
	require.NoError(t, err)
	reply := h.submit(Intent{Kind: IntentJoin, GroupID: "real"})
	h.waitSent(wire.TypeJoinGroup)

	h.push(&wire.Error{Message: "group not found: stale"})
	h.push(&wire.GroupJoined{GroupID: "real", WelcomeMessage: info})

	out := h.await(reply)
	require.NoError(t, out.Err)
	require.Equal(t, "Joined group: real", out.Result.Text)

	h.eventually(func() bool {
		msgs := h.history("stale")
		return len(msgs) == 1 && !msgs[0].Delivered
	}, "refused message marked undelivered")

	res, err := h.do(Intent{Kind: IntentRetry, GroupID: "stale"})
	require.NoError(t, err)
	require.Equal(t, "Delivered 1 of 1 undelivered message(s).", res.Text)
}

func TestAnonymousErrorFollowsIssueOrder(t *testing.T) {
	h := joinedHarness(t, "g")
	notices, unsub := h.bus.Subscribe(bus.KindStatusNotice, 16)
	defer unsub()

	// the fetch went out before the create, so it owns the error
	_, err := h.do(Intent{Kind: IntentFetch, GroupID: "g"})
	require.NoError(t, err)
	reply := h.submit(Intent{Kind: IntentCreate, Name: "one"})
	env := h.waitSent(wire.TypeCreateGroup).(*wire.CreateGroup)
	h.push(&wire.Error{Message: "internal error"})
	h.push(&wire.GroupCreated{GroupID: env.GroupID, Success: true})

	out := h.await(reply)
	require.False(t, out.Result.Warning, out.Result.Text)
	waitNotice(t, notices, "Fetch for g failed")

	// an answer to the create shows the fetch before it went through
	_, err = h.do(Intent{Kind: IntentFetch, GroupID: "g"})
	require.NoError(t, err)
	reply = h.submit(Intent{Kind: IntentCreate, Name: "two"})
	env = h.waitSent(wire.TypeCreateGroup).(*wire.CreateGroup)
	h.push(&wire.GroupCreated{GroupID: env.GroupID, Success: true})
	require.False(t, h.await(reply).Result.Warning)

	h.push(&wire.Error{Message: "internal error"})
	waitNotice(t, notices, "Delivery service error: internal error")
}

func TestLinkAfterLostCreateAnswer(t *testing.T) {
	h := newHarness(t, true, nil)

	reply := h.submit(Intent{Kind: IntentCreate, Name: "flaky"})
	env := h.waitSent(wire.TypeCreateGroup).(*wire.CreateGroup)
	h.ch.setState(status.Disconnected)
	out := h.await(reply)
	require.True(t, out.Result.Warning)
	require.Equal(t, registry.Local, h.snapshot(env.GroupID).Mode)

	// the service did create it before the connection dropped
	h.ch.setState(status.Connecting)
	h.ch.setState(status.Connected)
	reply = h.submit(Intent{Kind: IntentLink, GroupID: env.GroupID})
	h.waitSent(wire.TypeCreateGroup)
	h.push(&wire.GroupCreated{GroupID: env.GroupID, Error: "group already exists"})

	out = h.await(reply)
	require.NoError(t, out.Err)
	require.False(t, out.Result.Warning, out.Result.Text)
	require.Equal(t, registry.Linked, h.snapshot(env.GroupID).Mode)
}

func TestMentions(t *testing.T) {
	got := mentions("group not found: 3f2a-77, try alice.")
	require.True(t, got["3f2a-77"])
	require.True(t, got["alice"])
	require.False(t, got["g"])
}

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/config"
	"github.com/matheus3301/mlschat/internal/engine"
	"github.com/matheus3301/mlschat/internal/engine/devengine"
	"github.com/matheus3301/mlschat/internal/registry"
	"github.com/matheus3301/mlschat/internal/status"
	"github.com/matheus3301/mlschat/internal/wire"
)

func TestCreateWhileDisconnectedIsLocal(t *testing.T) {
	h := newHarness(t, false, nil)

	res, err := h.do(Intent{Kind: IntentCreate, Name: "team-chat"})
	require.NoError(t, err)
	require.Contains(t, res.Text, "local group")

	snap := h.snapshot(res.GroupID)
	require.Equal(t, registry.Local, snap.Mode)
	require.Equal(t, []string{"bob"}, snap.Members)

	res, err = h.do(Intent{Kind: IntentSend, Text: "hello"})
	require.NoError(t, err)
	require.False(t, res.Warning)

	msgs := h.history(snap.GroupID)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Body)
	require.Zero(t, h.ch.count(wire.TypeSendMessage))
}

func TestLocalSessionStaysLocalWhenConnected(t *testing.T) {
	h := newHarness(t, false, func(o *Options) {
		o.DisablePoll = false
		o.PollInterval = 10 * time.Millisecond
	})
	res, err := h.do(Intent{Kind: IntentCreate, Name: "solo"})
	require.NoError(t, err)

	h.ch.setState(status.Connecting)
	h.ch.setState(status.Connected)
	_, err = h.do(Intent{Kind: IntentSend, Text: "still local"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, registry.Local, h.snapshot(res.GroupID).Mode)
	require.Zero(t, h.ch.count(wire.TypeFetchMessages))
	require.Zero(t, h.ch.count(wire.TypeSendMessage))
	require.Zero(t, h.ch.count(wire.TypeCreateGroup))
}

func TestCreateLinked(t *testing.T) {
	h := newHarness(t, true, nil)

	reply := h.submit(Intent{Kind: IntentCreate, Name: "team-chat"})
	env := h.waitSent(wire.TypeCreateGroup).(*wire.CreateGroup)
	require.NotEmpty(t, env.GroupInfo)
	h.push(&wire.GroupCreated{GroupID: env.GroupID, Success: true})

	out := h.await(reply)
	require.NoError(t, out.Err)
	require.Equal(t, env.GroupID, out.Result.GroupID)
	require.Contains(t, out.Result.Text, "published")
	require.Equal(t, registry.Linked, h.snapshot(env.GroupID).Mode)
}

func TestCreateIsCoalesced(t *testing.T) {
	h := newHarness(t, true, nil)

	first := h.submit(Intent{Kind: IntentCreate, Name: "team-chat"})
	second := h.submit(Intent{Kind: IntentCreate, Name: "team-chat"})
	env := h.waitSent(wire.TypeCreateGroup).(*wire.CreateGroup)

	h.eventually(func() bool { return len(h.groups()) == 1 }, "group registered")
	h.push(&wire.GroupCreated{GroupID: env.GroupID, Success: true})

	a, b := h.await(first), h.await(second)
	require.NoError(t, a.Err)
	require.NoError(t, b.Err)
	require.Equal(t, a.Result.GroupID, b.Result.GroupID)
	require.Equal(t, 1, h.ch.count(wire.TypeCreateGroup))
	require.Len(t, h.groups(), 1)
}

func TestCreateRefusedKeepsLocal(t *testing.T) {
	h := newHarness(t, true, nil)
	events, unsub := h.bus.Subscribe(bus.KindGroupUpdated, 8)
	defer unsub()

	reply := h.submit(Intent{Kind: IntentCreate, Name: "x"})
	env := h.waitSent(wire.TypeCreateGroup).(*wire.CreateGroup)
	h.push(&wire.GroupCreated{GroupID: env.GroupID, Success: false, Error: "quota exceeded"})

	out := h.await(reply)
	require.NoError(t, out.Err)
	require.True(t, out.Result.Warning)
	require.Contains(t, out.Result.Text, "quota exceeded")
	require.Equal(t, registry.Local, h.snapshot(env.GroupID).Mode)

	select {
	case evt := <-events:
		require.Equal(t, env.GroupID, evt.GroupID)
	case <-time.After(time.Second):
		t.Fatal("no group.updated event")
	}
}

func TestCreateTimeoutKeepsLocal(t *testing.T) {
	h := newHarness(t, true, func(o *Options) { o.RequestTimeout = 30 * time.Millisecond })

	out := h.await(h.submit(Intent{Kind: IntentCreate, Name: "slow"}))
	require.NoError(t, out.Err)
	require.True(t, out.Result.Warning)
	require.Equal(t, registry.Local, h.snapshot(out.Result.GroupID).Mode)
}

func TestLinkUpgradesExplicitly(t *testing.T) {
	h := newHarness(t, false, nil)
	res, err := h.do(Intent{Kind: IntentCreate, Name: "later"})
	require.NoError(t, err)

	_, err = h.do(Intent{Kind: IntentLink})
	require.ErrorIs(t, err, ErrNotConnected)

	h.ch.setState(status.Connecting)
	h.ch.setState(status.Connected)
	reply := h.submit(Intent{Kind: IntentLink, GroupID: res.GroupID})
	env := h.waitSent(wire.TypeCreateGroup).(*wire.CreateGroup)
	require.Equal(t, res.GroupID, env.GroupID)
	h.push(&wire.GroupCreated{GroupID: env.GroupID, Success: true})

	require.NoError(t, h.await(reply).Err)
	require.Equal(t, registry.Linked, h.snapshot(res.GroupID).Mode)
}

func TestJoinAppliesWelcomeOnce(t *testing.T) {
	h := newHarness(t, true, nil)
	alice := newPeer(t, "alice")
	_, info := alice.group(t, "g1")

	reply := h.submit(Intent{Kind: IntentJoin, GroupID: "g1"})
	h.waitSent(wire.TypePublishKeyPackage)
	join := h.waitSent(wire.TypeJoinGroup).(*wire.JoinGroup)
	require.NotEmpty(t, join.KeyPackage)

	h.push(&wire.GroupJoined{GroupID: "g1", WelcomeMessage: info})
	out := h.await(reply)
	require.NoError(t, out.Err)
	require.Equal(t, "g1", out.Result.GroupID)

	// repeated delivery of the same welcome is a no-op
	h.push(&wire.GroupJoined{GroupID: "g1", WelcomeMessage: info})
	h.push(&wire.GroupJoined{GroupID: "g1", WelcomeMessage: info})
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, int32(1), h.eng.welcomes.Load())
	require.Equal(t, []string{"g1"}, h.groups())
	snap := h.snapshot("g1")
	require.Equal(t, registry.Linked, snap.Mode)
	require.ElementsMatch(t, []string{"alice", "bob"}, snap.Members)

	_, err := h.do(Intent{Kind: IntentJoin, GroupID: "g1"})
	require.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestJoinNotFound(t *testing.T) {
	h := newHarness(t, true, nil)

	out := h.joinVia("missing", nil)
	require.ErrorIs(t, out.Err, ErrNotFound)
	require.Equal(t, "Group missing not found or access denied.", out.Err.Error())

	reply := h.submit(Intent{Kind: IntentJoin, GroupID: "denied"})
	h.waitSent(wire.TypeJoinGroup)
	h.push(&wire.GroupJoined{GroupID: "denied", Error: "access denied"})
	require.ErrorIs(t, h.await(reply).Err, ErrNotFound)

	require.Empty(t, h.groups())
	require.Zero(t, h.eng.welcomes.Load())
}

func TestJoinBadWelcomeIsEngineError(t *testing.T) {
	h := newHarness(t, true, nil)
	out := h.joinVia("g", []byte("garbage"))
	require.ErrorIs(t, out.Err, ErrEngine)
	require.Empty(t, h.groups())
}

func TestJoinWhileOffline(t *testing.T) {
	h := newHarness(t, false, nil)
	_, err := h.do(Intent{Kind: IntentJoin, GroupID: "g"})
	require.ErrorIs(t, err, ErrNotConnected)
	require.Contains(t, err.Error(), "not connected")
}

func TestJoinTimeoutThenRetry(t *testing.T) {
	h := newHarness(t, true, func(o *Options) { o.RequestTimeout = 200 * time.Millisecond })

	reply := h.submit(Intent{Kind: IntentJoin, GroupID: "g"})
	h.waitSent(wire.TypeJoinGroup)
	out := h.await(reply)
	require.ErrorIs(t, out.Err, ErrTimeout)
	require.Contains(t, out.Err.Error(), "timed out")

	alice := newPeer(t, "alice")
	_, info := alice.group(t, "g")
	out = h.joinVia("g", info)
	require.NoError(t, out.Err)
	require.Equal(t, 2, h.ch.count(wire.TypeJoinGroup))

	h.eventually(func() bool {
		st, err := h.do(Intent{Kind: IntentStatus})
		return err == nil && st.Status.Pending == 0
	}, "pending table drained")
}

func TestJoinIsCoalesced(t *testing.T) {
	h := newHarness(t, true, nil)
	alice := newPeer(t, "alice")
	_, info := alice.group(t, "g")

	first := h.submit(Intent{Kind: IntentJoin, GroupID: "g"})
	second := h.submit(Intent{Kind: IntentJoin, GroupID: "g"})
	h.waitSent(wire.TypeJoinGroup)
	h.eventually(func() bool {
		st, _ := h.do(Intent{Kind: IntentStatus})
		return st.Status.Pending >= 1
	}, "join pending")
	h.push(&wire.GroupJoined{GroupID: "g", WelcomeMessage: info})

	require.NoError(t, h.await(first).Err)
	require.NoError(t, h.await(second).Err)
	require.Equal(t, 1, h.ch.count(wire.TypeJoinGroup))
}

func TestIsolationAndDedupe(t *testing.T) {
	h := newHarness(t, true, nil)
	alice := newPeer(t, "alice")
	st1, info1 := alice.group(t, "g1")
	_, info2 := alice.group(t, "g2")
	require.NoError(t, h.joinVia("g1", info1).Err)
	require.NoError(t, h.joinVia("g2", info2).Err)

	ct := alice.encrypt(t, st1, "for g1 only")
	h.push(&wire.MessageReceived{GroupID: "g1", Message: ct})
	h.push(&wire.MessageReceived{GroupID: "g1", Message: ct})
	// misrouted ciphertext must not reach g2
	h.push(&wire.MessageReceived{GroupID: "g2", Message: ct})
	h.push(&wire.MessageReceived{GroupID: "g1", Message: alice.encrypt(t, st1, "second")})

	h.eventually(func() bool { return len(h.history("g1")) == 2 }, "g1 history")
	msgs := h.history("g1")
	require.Equal(t, "for g1 only", msgs[0].Body)
	require.Equal(t, "alice", msgs[0].Sender)
	require.Equal(t, "second", msgs[1].Body)
	require.Empty(t, h.history("g2"))
}

func TestPushBufferedUntilJoin(t *testing.T) {
	h := newHarness(t, true, nil)
	alice := newPeer(t, "alice")
	st, info := alice.group(t, "g")

	reply := h.submit(Intent{Kind: IntentJoin, GroupID: "g"})
	h.waitSent(wire.TypeJoinGroup)
	h.push(&wire.MessageReceived{GroupID: "g", Message: alice.encrypt(t, st, "early")})
	h.push(&wire.GroupJoined{GroupID: "g", WelcomeMessage: info})
	require.NoError(t, h.await(reply).Err)

	h.eventually(func() bool { return len(h.history("g")) == 1 }, "buffered push applied")
	require.Equal(t, "early", h.history("g")[0].Body)
}

func TestExpiredPushDiscarded(t *testing.T) {
	h := newHarness(t, true, func(o *Options) { o.PushBufferWindow = 20 * time.Millisecond })
	alice := newPeer(t, "alice")
	st, info := alice.group(t, "g")

	h.push(&wire.MessageReceived{GroupID: "g", Message: alice.encrypt(t, st, "stale")})
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, h.joinVia("g", info).Err)
	time.Sleep(30 * time.Millisecond)
	require.Empty(t, h.history("g"))
}

func TestSendUndeliveredThenRetry(t *testing.T) {
	h := newHarness(t, true, nil)
	alice := newPeer(t, "alice")
	_, info := alice.group(t, "g")
	require.NoError(t, h.joinVia("g", info).Err)

	undelivered, unsub := h.bus.Subscribe(bus.KindMessageUndelivered, 4)
	defer unsub()

	h.ch.setSendErr(ErrNotConnected)
	res, err := h.do(Intent{Kind: IntentSend, Text: "are you there"})
	require.NoError(t, err)
	require.True(t, res.Warning)

	msgs := h.history("g")
	require.Len(t, msgs, 1)
	require.False(t, msgs[0].Delivered)
	select {
	case evt := <-undelivered:
		require.Equal(t, "g", evt.GroupID)
	case <-time.After(time.Second):
		t.Fatal("no message.undelivered event")
	}

	h.ch.setSendErr(nil)
	res, err = h.do(Intent{Kind: IntentRetry})
	require.NoError(t, err)
	require.False(t, res.Warning)
	require.Equal(t, 1, h.ch.count(wire.TypeSendMessage))
	require.True(t, h.history("g")[0].Delivered)

	res, err = h.do(Intent{Kind: IntentRetry})
	require.NoError(t, err)
	require.Equal(t, "No undelivered messages.", res.Text)
}

func TestOwnEchoIgnored(t *testing.T) {
	h := newHarness(t, true, nil)
	alice := newPeer(t, "alice")
	_, info := alice.group(t, "g")
	require.NoError(t, h.joinVia("g", info).Err)

	_, err := h.do(Intent{Kind: IntentSend, Text: "mine"})
	require.NoError(t, err)
	sent := h.waitSent(wire.TypeSendMessage).(*wire.SendMessage)

	h.push(&wire.MessageReceived{GroupID: "g", Message: sent.Message})
	time.Sleep(50 * time.Millisecond)
	msgs := h.history("g")
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].FromMe)
}

func TestErrorEnvelopeFailsOldestRequest(t *testing.T) {
	h := newHarness(t, true, nil)

	// publish goes out ahead of the first join and is answered first
	reply := h.submit(Intent{Kind: IntentJoin, GroupID: "g"})
	h.waitSent(wire.TypeJoinGroup)
	h.push(&wire.KeyPackagePublished{Success: true})
	h.push(&wire.Error{Message: "no such group"})

	out := h.await(reply)
	require.ErrorIs(t, out.Err, ErrNotFound)

	notices, unsub := h.bus.Subscribe(bus.KindStatusNotice, 4)
	defer unsub()
	h.push(&wire.Error{Message: strings.Repeat("x", 500)})
	select {
	case evt := <-notices:
		n := evt.Payload.(bus.Notice)
		require.Equal(t, "warn", n.Level)
		require.Less(t, len(n.Text), 200)
	case <-time.After(time.Second):
		t.Fatal("unsolicited error not surfaced")
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	h := newHarness(t, true, nil)

	reply := h.submit(Intent{Kind: IntentJoin, GroupID: "g"})
	h.waitSent(wire.TypeJoinGroup)
	h.ch.setState(status.Disconnected)

	out := h.await(reply)
	require.ErrorIs(t, out.Err, ErrNotConnected)

	res, err := h.do(Intent{Kind: IntentCreate, Name: "offline"})
	require.NoError(t, err)
	require.Equal(t, registry.Local, h.snapshot(res.GroupID).Mode)
}

func TestFetchKeyPackages(t *testing.T) {
	h := newHarness(t, true, nil)
	events, unsub := h.bus.Subscribe(bus.KindKeysFetched, 4)
	defer unsub()

	reply := h.submit(Intent{Kind: IntentFetchKeyPackages, Identity: "alice"})
	env := h.waitSent(wire.TypeFetchKeyPackages).(*wire.FetchKeyPackages)
	require.Equal(t, "alice", env.Identity)
	h.push(&wire.KeyPackagesFetched{Identity: "alice", KeyPackages: [][]byte{[]byte("kp1"), []byte("kp2")}})

	out := h.await(reply)
	require.NoError(t, out.Err)
	require.Len(t, out.Result.KeyPackages, 2)
	select {
	case evt := <-events:
		require.Equal(t, KeysFetched{Identity: "alice", Count: 2}, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("no keys.fetched event")
	}

	// an unsolicited push is served from the buffer
	h.push(&wire.KeyPackagesFetched{Identity: "carol", KeyPackages: [][]byte{[]byte("kp")}})
	h.eventually(func() bool {
		res, err := h.do(Intent{Kind: IntentFetchKeyPackages, Identity: "carol"})
		return err == nil && len(res.KeyPackages) == 1
	}, "buffered key packages")
}

func TestPublishKeyPackage(t *testing.T) {
	h := newHarness(t, true, nil)
	reply := h.submit(Intent{Kind: IntentPublish})
	h.waitSent(wire.TypePublishKeyPackage)
	h.push(&wire.KeyPackagePublished{Success: false, Error: "store full"})
	out := h.await(reply)
	require.ErrorIs(t, out.Err, ErrRejected)
	require.Contains(t, out.Err.Error(), "store full")
}

func TestFetchAndPoll(t *testing.T) {
	h := newHarness(t, true, func(o *Options) {
		o.DisablePoll = false
		o.PollInterval = 20 * time.Millisecond
	})
	alice := newPeer(t, "alice")
	_, info := alice.group(t, "g")
	require.NoError(t, h.joinVia("g", info).Err)

	res, err := h.do(Intent{Kind: IntentFetch})
	require.NoError(t, err)
	require.Equal(t, "Fetching messages for 1 group(s).", res.Text)
	env := h.waitSent(wire.TypeFetchMessages).(*wire.FetchMessages)
	require.Equal(t, "g", env.GroupID)

	h.eventually(func() bool { return h.ch.count(wire.TypeFetchMessages) >= 3 }, "poll fetches")
}

func TestSelectAndStatus(t *testing.T) {
	h := newHarness(t, false, nil)
	a, err := h.do(Intent{Kind: IntentCreate, Name: "alpha"})
	require.NoError(t, err)
	_, err = h.do(Intent{Kind: IntentCreate, Name: "beta"})
	require.NoError(t, err)

	res, err := h.do(Intent{Kind: IntentSelect, GroupID: "alpha"})
	require.NoError(t, err)
	require.Equal(t, a.GroupID, res.GroupID)

	_, err = h.do(Intent{Kind: IntentSelect, GroupID: "gamma"})
	require.ErrorIs(t, err, ErrNotFound)

	st, err := h.do(Intent{Kind: IntentStatus})
	require.NoError(t, err)
	require.Equal(t, a.GroupID, st.Status.ActiveGroup)
	require.Equal(t, 2, st.Status.Local)
	require.Equal(t, "Disconnected from delivery service at 127.0.0.1:8080. Groups will be local only.", st.Text)

	groups, err := h.do(Intent{Kind: IntentListGroups})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(groups.Text, "Available groups:"))
	require.Equal(t, "alpha", groups.Groups[0].DisplayName)
}

func TestSendWithoutActiveGroup(t *testing.T) {
	h := newHarness(t, true, nil)
	_, err := h.do(Intent{Kind: IntentSend, Text: "hi"})
	require.ErrorIs(t, err, ErrNoActiveGroup)
	require.Equal(t, "No active group selected", err.Error())

	res, err := h.do(Intent{Kind: IntentListGroups})
	require.NoError(t, err)
	require.Contains(t, res.Text, "No groups available")
}

func TestSettingsUpdate(t *testing.T) {
	var saved []config.Settings
	h := startHarness(t, true, nil, func(s config.Settings) error {
		saved = append(saved, s)
		return nil
	})

	res, err := h.do(Intent{Kind: IntentSettings, Key: "address", Value: "10.0.0.1:9000"})
	require.NoError(t, err)
	require.Contains(t, res.Text, "Reconnecting")
	require.Equal(t, []string{"10.0.0.1:9000"}, h.ch.redials)

	res, err = h.do(Intent{Kind: IntentSettings, Key: "username", Value: "robert"})
	require.NoError(t, err)
	require.Contains(t, res.Text, "after restart")

	res, err = h.do(Intent{Kind: IntentSettings})
	require.NoError(t, err)
	require.Equal(t, "username: robert\naddress: 10.0.0.1:9000", res.Text)
	require.Len(t, saved, 2)

	_, err = h.do(Intent{Kind: IntentSettings, Key: "colour", Value: "blue"})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestExecuteUnknownCommand(t *testing.T) {
	h := newHarness(t, false, nil)
	_, err := h.o.Execute(context.Background(), "dance now")
	require.ErrorIs(t, err, ErrUnknownCommand)
	require.Contains(t, err.Error(), "Unknown command: dance")

	res, err := h.o.Execute(context.Background(), "help")
	require.NoError(t, err)
	require.Equal(t, HelpText, res.Text)
}

func TestShutdownCancelsPending(t *testing.T) {
	id, err := engine.NewIdentity("bob")
	require.NoError(t, err)
	ch := newFakeChannel(true)
	o := New(Deps{Engine: devengine.New(id), Identity: id, Channel: ch, Log: zaptest.NewLogger(t)}, Options{DisablePoll: true})

	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)

	reply, err := o.Submit(context.Background(), Intent{Kind: IntentJoin, GroupID: "g"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ch.count(wire.TypeJoinGroup) == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case out := <-reply:
		require.ErrorIs(t, out.Err, ErrStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("pending join not cancelled")
	}
	<-o.Done()

	_, err = o.Do(context.Background(), Intent{Kind: IntentStatus})
	require.ErrorIs(t, err, ErrStopped)
}

func TestFailuresDoNotStopLoop(t *testing.T) {
	h := newHarness(t, true, nil)
	h.push(&wire.GroupCreated{GroupID: "nobody-asked", Success: true})
	h.push(&wire.GroupJoined{GroupID: "nobody-asked"})
	h.push(&wire.MessageReceived{GroupID: "unknown", Message: []byte("x")})
	h.push(&wire.KeyPackagePublished{Success: true})

	_, err := h.do(Intent{Kind: IntentStatus})
	require.NoError(t, err)
	require.False(t, errors.Is(err, ErrStopped))
}

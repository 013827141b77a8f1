package channel

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matheus3301/mlschat/internal/status"
	"github.com/matheus3301/mlschat/internal/wire"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func accept(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		t.Cleanup(func() { r.c.Close() })
		return r.c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func waitState(t *testing.T, c *Channel, want status.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s, ok := <-c.States():
			require.True(t, ok, "states closed while waiting for %s", want)
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s (current %s)", want, c.State())
		}
	}
}

func newTestChannel(t *testing.T, addr string) *Channel {
	t.Helper()
	c := New(addr, Options{
		Log:            zaptest.NewLogger(t),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})
	t.Cleanup(c.Stop)
	return c
}

func TestSendWhileDisconnected(t *testing.T) {
	dialErr := errors.New("refused")
	c := New("127.0.0.1:1", Options{
		Log:            zaptest.NewLogger(t),
		InitialBackoff: time.Hour,
		Dial: func(context.Context, string) (net.Conn, error) {
			return nil, dialErr
		},
	})
	defer c.Stop()

	c.Start(context.Background())
	require.Equal(t, status.Disconnected, c.State())

	err := c.Send(context.Background(), &wire.FetchMessages{GroupID: "g"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSendAndReceive(t *testing.T) {
	ln := listen(t)
	c := newTestChannel(t, ln.Addr().String())
	c.Start(context.Background())
	srv := accept(t, ln)
	waitState(t, c, status.Connected)

	require.NoError(t, c.Send(context.Background(), &wire.FetchMessages{GroupID: "g1"}))

	line, err := bufio.NewReader(srv).ReadBytes('\n')
	require.NoError(t, err)
	env, err := wire.Unmarshal(line[:len(line)-1])
	require.NoError(t, err)
	require.Equal(t, &wire.FetchMessages{GroupID: "g1"}, env)

	// a bad line between two good ones is dropped without desync
	_, err = srv.Write([]byte(`{"type":"group_created","group_id":"g1","success":true}` + "\n" +
		`{"type":"nonsense"}` + "\n" +
		`not json` + "\n" +
		`{"type":"message_received","group_id":"g1","message":"aGk="}` + "\n"))
	require.NoError(t, err)

	got := make([]wire.Envelope, 0, 2)
	for len(got) < 2 {
		select {
		case env := <-c.Inbound():
			got = append(got, env)
		case <-time.After(5 * time.Second):
			t.Fatal("inbound envelopes not delivered")
		}
	}
	require.Equal(t, &wire.GroupCreated{GroupID: "g1", Success: true}, got[0])
	require.Equal(t, &wire.MessageReceived{GroupID: "g1", Message: []byte("hi")}, got[1])
}

func TestReconnectsAfterClose(t *testing.T) {
	ln := listen(t)
	c := newTestChannel(t, ln.Addr().String())
	c.Start(context.Background())
	srv := accept(t, ln)
	waitState(t, c, status.Connected)

	srv.Close()
	waitState(t, c, status.Disconnected)

	accept(t, ln)
	waitState(t, c, status.Connected)
	require.NoError(t, c.Send(context.Background(), &wire.FetchMessages{GroupID: "g"}))
}

func TestInitialDialFailureRetries(t *testing.T) {
	ln := listen(t)
	addr := ln.Addr().String()
	ln.Close()

	c := newTestChannel(t, addr)
	c.Start(context.Background())
	require.Equal(t, status.Disconnected, c.State())

	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("port reuse unavailable: %v", err)
	}
	t.Cleanup(func() { ln2.Close() })
	accept(t, ln2)
	waitState(t, c, status.Connected)
}

func TestRedialSwitchesAddress(t *testing.T) {
	first := listen(t)
	second := listen(t)

	c := newTestChannel(t, first.Addr().String())
	c.Start(context.Background())
	accept(t, first)
	waitState(t, c, status.Connected)

	c.Redial(second.Addr().String())
	waitState(t, c, status.Disconnected)
	accept(t, second)
	waitState(t, c, status.Connected)
	require.Equal(t, second.Addr().String(), c.Addr())
}

func TestStopClosesStreams(t *testing.T) {
	ln := listen(t)
	c := New(ln.Addr().String(), Options{Log: zaptest.NewLogger(t)})
	c.Start(context.Background())
	accept(t, ln)

	c.Stop()
	for range c.Inbound() {
	}
	for range c.States() {
	}
	require.ErrorIs(t, c.Send(context.Background(), &wire.FetchMessages{GroupID: "g"}), ErrNotConnected)
}

func TestStopWithoutStart(t *testing.T) {
	c := New("127.0.0.1:1", Options{})
	c.Stop()
	_, ok := <-c.Inbound()
	require.False(t, ok)
}

// dialRecorder fails every dial except those it is told to accept, and
// records when each attempt happened.
type dialRecorder struct {
	mu     sync.Mutex
	at     []time.Time
	accept map[int]net.Conn
}

func (d *dialRecorder) dial(context.Context, string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.at = append(d.at, time.Now())
	if c, ok := d.accept[len(d.at)]; ok {
		return c, nil
	}
	return nil, errors.New("refused")
}

func (d *dialRecorder) attempts() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.at...)
}

func startRecorded(t *testing.T, d *dialRecorder, initial, maxDelay time.Duration) *Channel {
	t.Helper()
	c := New("relay:1", Options{
		Log:            zaptest.NewLogger(t),
		Dial:           d.dial,
		InitialBackoff: initial,
		MaxBackoff:     maxDelay,
	})
	c.Start(context.Background())
	go func() {
		for range c.States() {
		}
	}()
	t.Cleanup(c.Stop)
	return c
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	const initial, maxDelay = 20 * time.Millisecond, 80 * time.Millisecond
	d := &dialRecorder{}
	startRecorded(t, d, initial, maxDelay)

	require.Eventually(t, func() bool { return len(d.attempts()) >= 7 }, 5*time.Second, 5*time.Millisecond)
	at := d.attempts()
	gaps := make([]time.Duration, len(at)-1)
	for i := range gaps {
		gaps[i] = at[i+1].Sub(at[i])
	}

	require.GreaterOrEqual(t, gaps[0], initial)
	require.GreaterOrEqual(t, gaps[1], 2*initial)
	require.GreaterOrEqual(t, gaps[2], maxDelay)
	for i, g := range gaps[2:6] {
		require.GreaterOrEqual(t, g, maxDelay, "gap %d", i+2)
		require.Less(t, g, 2*maxDelay, "gap %d grew past the cap", i+2)
	}
}

func TestBackoffResetsAfterStableConnection(t *testing.T) {
	const initial, maxDelay = 20 * time.Millisecond, 200 * time.Millisecond
	client, server := net.Pipe()
	d := &dialRecorder{accept: map[int]net.Conn{4: client}}
	startRecorded(t, d, initial, maxDelay)

	// three failures grow the delay to 8x initial before the fourth dial
	require.Eventually(t, func() bool { return len(d.attempts()) >= 4 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(3 * initial)
	dropped := time.Now()
	require.NoError(t, server.Close())

	require.Eventually(t, func() bool { return len(d.attempts()) >= 5 }, 5*time.Second, 5*time.Millisecond)
	gap := d.attempts()[4].Sub(dropped)
	require.GreaterOrEqual(t, gap, initial)
	require.Less(t, gap, 4*initial, "delay not reset after a stable connection")
}

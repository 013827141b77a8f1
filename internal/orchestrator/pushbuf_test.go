package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matheus3301/mlschat/internal/wire"
)

func msg(gid string, b byte) *wire.MessageReceived {
	return &wire.MessageReceived{GroupID: gid, Message: []byte{b}}
}

func TestPushBufferTakeInOrder(t *testing.T) {
	b := newPushBuffer(time.Second, 8, 32)
	now := time.Now()
	b.add("group:a", msg("a", 1), now)
	b.add("group:b", msg("b", 2), now)
	b.add("group:a", msg("a", 3), now)

	envs, expired := b.take("group:a", now)
	require.Zero(t, expired)
	require.Equal(t, []wire.Envelope{msg("a", 1), msg("a", 3)}, envs)
	require.Equal(t, 1, b.len())

	envs, _ = b.take("group:a", now)
	require.Empty(t, envs)
}

func TestPushBufferPerKeyLimit(t *testing.T) {
	b := newPushBuffer(time.Second, 2, 32)
	now := time.Now()
	require.Zero(t, b.add("k", msg("a", 1), now))
	require.Zero(t, b.add("k", msg("a", 2), now))
	require.Equal(t, 1, b.add("k", msg("a", 3), now))

	envs, _ := b.take("k", now)
	require.Equal(t, []wire.Envelope{msg("a", 2), msg("a", 3)}, envs)
}

func TestPushBufferTotalLimitEvictsOldest(t *testing.T) {
	b := newPushBuffer(time.Second, 8, 2)
	now := time.Now()
	b.add("x", msg("x", 1), now)
	b.add("y", msg("y", 2), now.Add(time.Millisecond))
	require.Equal(t, 1, b.add("z", msg("z", 3), now.Add(2*time.Millisecond)))
	require.Equal(t, 2, b.len())

	envs, _ := b.take("x", now)
	require.Empty(t, envs)
}

func TestPushBufferExpire(t *testing.T) {
	b := newPushBuffer(time.Second, 8, 32)
	start := time.Now()
	b.add("k", msg("a", 1), start)
	b.add("k", msg("a", 2), start.Add(900*time.Millisecond))
	b.add("j", msg("b", 3), start)

	dropped := b.expire(start.Add(1500 * time.Millisecond))
	require.Equal(t, map[string]int{"k": 1, "j": 1}, dropped)
	require.Equal(t, 1, b.len())

	envs, expired := b.take("k", start.Add(3*time.Second))
	require.Empty(t, envs)
	require.Equal(t, 1, expired)
	require.Zero(t, b.len())
	require.Nil(t, b.expire(start.Add(time.Hour)))
}

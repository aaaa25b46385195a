package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), func() time.Time { return time.Unix(1000, 0) })
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func req(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

func TestSetGetDel(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Apply(1, req("SET", "k", "v"))
	require.NoError(t, err)

	reply, err := s.Apply(2, req("GET", "k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), reply)

	reply, err = s.Apply(3, req("DEL", "k"))
	require.NoError(t, err)
	require.Equal(t, int64(1), reply)

	reply, err = s.Apply(4, req("GET", "k"))
	require.NoError(t, err)
	require.Nil(t, reply)
}

func TestIncr(t *testing.T) {
	s := newTestStore(t)
	reply, err := s.Apply(1, req("INCR", "counter"))
	require.NoError(t, err)
	require.Equal(t, int64(1), reply)

	reply, err = s.Apply(2, req("INCR", "counter"))
	require.NoError(t, err)
	require.Equal(t, int64(2), reply)
}

func TestHashCommands(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Apply(1, req("HSET", "h", "f1", "v1", "f2", "v2"))
	require.NoError(t, err)

	reply, err := s.Apply(2, req("HGET", "h", "f1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), reply)

	all, err := s.Apply(3, req("HGETALL", "h"))
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"f1": []byte("v1"), "f2": []byte("v2")}, all)

	reply, err = s.Apply(4, req("HDEL", "h", "f1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), reply)
}

func TestSetCommands(t *testing.T) {
	s := newTestStore(t)
	added, err := s.Apply(1, req("SADD", "s", "a", "b"))
	require.NoError(t, err)
	require.Equal(t, int64(2), added)

	isMember, err := s.Apply(2, req("SISMEMBER", "s", "a"))
	require.NoError(t, err)
	require.Equal(t, true, isMember)

	removed, err := s.Apply(3, req("SREM", "s", "a"))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	members, err := s.Apply(4, req("SMEMBERS", "s"))
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, members)
}

func TestLocalityHash(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Apply(1, req("LHSET", "shard1", "h", "f", "v"))
	require.NoError(t, err)

	reply, err := s.Apply(2, req("LHGET", "shard1", "h", "f"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), reply)

	reply, err = s.Apply(3, req("LHGET", "shard2", "h", "f"))
	require.NoError(t, err)
	require.Nil(t, reply)

	_, err = s.Apply(4, req("LHSET", "shard1", "h", "f2", "v2"))
	require.NoError(t, err)

	reply, err = s.Apply(5, req("LHGET", "shard1", "h", "f"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), reply, "a second LHSET on the same locality/key must not drop the first field")

	reply, err = s.Apply(6, req("LHGET", "shard1", "h", "f2"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), reply)

	_, err = s.Apply(7, req("LHDEL", "shard1", "h", "f2"))
	require.NoError(t, err)

	reply, err = s.Apply(8, req("LHGET", "shard1", "h", "f"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), reply, "LHDEL of one field must not wipe the rest of the locality hash")

	reply, err = s.Apply(9, req("LHGET", "shard1", "h", "f2"))
	require.NoError(t, err)
	require.Nil(t, reply)
}

func TestDeque(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Apply(1, req("DEQUE-PUSH-BACK", "d", "1"))
	require.NoError(t, err)
	_, err = s.Apply(2, req("DEQUE-PUSH-FRONT", "d", "0"))
	require.NoError(t, err)
	_, err = s.Apply(3, req("DEQUE-PUSH-BACK", "d", "2"))
	require.NoError(t, err)

	length, err := s.Apply(4, req("DEQUE-LEN", "d"))
	require.NoError(t, err)
	require.Equal(t, int64(3), length)

	front, err := s.Apply(5, req("DEQUE-POP-FRONT", "d"))
	require.NoError(t, err)
	require.Equal(t, []byte("0"), front)

	back, err := s.Apply(6, req("DEQUE-POP-BACK", "d"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), back)
}

func TestLeaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	acquired, err := s.Apply(1, req("LEASE-ACQUIRE", "l", "holder-a", "60000"))
	require.NoError(t, err)
	require.Equal(t, true, acquired)

	blocked, err := s.Apply(2, req("LEASE-ACQUIRE", "l", "holder-b", "60000"))
	require.NoError(t, err)
	require.Equal(t, false, blocked)

	holder, err := s.Apply(3, req("LEASE-GET", "l"))
	require.NoError(t, err)
	require.Equal(t, "holder-a", holder)

	_, err = s.Apply(4, req("LEASE-RELEASE", "l", "holder-a"))
	require.NoError(t, err)

	holder, err = s.Apply(5, req("LEASE-GET", "l"))
	require.NoError(t, err)
	require.Equal(t, "", holder)
}

func TestUnknownAndTimestampedLeaseCommandsAreUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Apply(1, req("BOGUS-COMMAND"))
	require.Error(t, err)

	_, err = s.Apply(2, req("TIMESTAMPED-LEASE-ACQUIRE", "l", "h", "1000"))
	require.Error(t, err)
}

func TestLastAppliedPersists(t *testing.T) {
	s := newTestStore(t)
	require.Equal(t, uint64(0), s.LastApplied())
	_, err := s.Apply(7, req("SET", "k", "v"))
	require.NoError(t, err)
	require.Equal(t, uint64(7), s.LastApplied())
}

func TestConvertIntToStringPreservesBothInterpretations(t *testing.T) {
	reply := ConvertIntToString([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	require.Equal(t, int64(-1), reply.AsSigned)
	require.Equal(t, uint64(0xFFFFFFFFFFFFFFFF), reply.AsUnsigned)
}

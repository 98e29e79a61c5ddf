package memstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/scanforge/internal/store"
	"github.com/scanforge/scanforge/internal/store/memstore"
)

func newStore(t *testing.T) store.Store {
	t.Helper()

	s, openErr := memstore.New()
	require.NoError(t, openErr)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestQueue_PushPop_IsFIFO(t *testing.T) {
	t.Parallel()

	q := newStore(t).Queue("q")

	require.NoError(t, q.Push([]byte("one")))
	require.NoError(t, q.Push([]byte("two")))

	length, lenErr := q.Length()
	require.NoError(t, lenErr)
	assert.Equal(t, int64(2), length)

	first, popErr := q.Pop(0)
	require.NoError(t, popErr)
	assert.Equal(t, []byte("one"), first)

	second, popErr := q.Pop(0)
	require.NoError(t, popErr)
	assert.Equal(t, []byte("two"), second)
}

func TestQueue_PopEmpty_TimesOutWithNil(t *testing.T) {
	t.Parallel()

	q := newStore(t).Queue("q")

	start := time.Now()

	payload, popErr := q.Pop(50 * time.Millisecond)
	require.NoError(t, popErr)
	assert.Nil(t, payload)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestQueue_PopBlocks_UntilPush(t *testing.T) {
	t.Parallel()

	q := newStore(t).Queue("q")

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = q.Push([]byte("late"))
	}()

	payload, popErr := q.Pop(2 * time.Second)
	require.NoError(t, popErr)
	assert.Equal(t, []byte("late"), payload)
}

func TestHash_SetIfAbsent_OnlyFirstWriteWins(t *testing.T) {
	t.Parallel()

	h := newStore(t).Hash("h")

	wrote, setErr := h.SetIfAbsent("f", []byte("v1"))
	require.NoError(t, setErr)
	assert.True(t, wrote)

	wrote, setErr = h.SetIfAbsent("f", []byte("v2"))
	require.NoError(t, setErr)
	assert.False(t, wrote)

	value, found, getErr := h.Get("f")
	require.NoError(t, getErr)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), value)
}

func TestHash_Pop_RemovesAndReturns(t *testing.T) {
	t.Parallel()

	h := newStore(t).Hash("h")

	require.NoError(t, h.Set("f", []byte("v")))

	value, existed, popErr := h.Pop("f")
	require.NoError(t, popErr)
	assert.True(t, existed)
	assert.Equal(t, []byte("v"), value)

	_, existed, popErr = h.Pop("f")
	require.NoError(t, popErr)
	assert.False(t, existed)
}

func TestHash_Increment_MissingFieldCountsAsZero(t *testing.T) {
	t.Parallel()

	h := newStore(t).Hash("h")

	next, incrErr := h.Increment("n", 2)
	require.NoError(t, incrErr)
	assert.Equal(t, int64(2), next)

	next, incrErr = h.Increment("n", -1)
	require.NoError(t, incrErr)
	assert.Equal(t, int64(1), next)
}

func TestHash_GetAll_ReturnsEveryField(t *testing.T) {
	t.Parallel()

	h := newStore(t).Hash("h")

	require.NoError(t, h.Set("a", []byte("1")))
	require.NoError(t, h.Set("b", []byte("2")))

	fields, getErr := h.GetAll()
	require.NoError(t, getErr)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, fields)
}

func TestSet_AddLimit_AtomicAdmissionUnderCap(t *testing.T) {
	t.Parallel()

	s := newStore(t).Set("s")

	admitted, addErr := s.AddLimit("a", 2)
	require.NoError(t, addErr)
	assert.True(t, admitted)

	admitted, addErr = s.AddLimit("b", 2)
	require.NoError(t, addErr)
	assert.True(t, admitted)

	admitted, addErr = s.AddLimit("c", 2)
	require.NoError(t, addErr)
	assert.False(t, admitted)

	// Members already present are always admitted.
	admitted, addErr = s.AddLimit("b", 2)
	require.NoError(t, addErr)
	assert.True(t, admitted)

	card, cardErr := s.Card()
	require.NoError(t, cardErr)
	assert.Equal(t, int64(2), card)
}

func TestExpiringSet_MembersVanishAfterTTL(t *testing.T) {
	t.Parallel()

	s := newStore(t).ExpiringSet("s", 30*time.Millisecond)

	require.NoError(t, s.Add("a"))

	exists, existsErr := s.Exists("a")
	require.NoError(t, existsErr)
	assert.True(t, exists)

	time.Sleep(80 * time.Millisecond)

	exists, existsErr = s.Exists("a")
	require.NoError(t, existsErr)
	assert.False(t, exists)
}

func TestCounter_Increment_Accumulates(t *testing.T) {
	t.Parallel()

	c := newStore(t).Counter("c")

	_, incrErr := c.Increment(1)
	require.NoError(t, incrErr)

	total, incrErr := c.Increment(2)
	require.NoError(t, incrErr)
	assert.Equal(t, int64(3), total)
}

func TestDeadlines_PopExpired_ReturnsOnlyDueEntries(t *testing.T) {
	t.Parallel()

	d := newStore(t).Deadlines("d")
	now := time.Unix(1700000000, 0)

	require.NoError(t, d.Set("due", now.Add(-time.Second), []byte("p1")))
	require.NoError(t, d.Set("later", now.Add(time.Minute), []byte("p2")))

	due, popErr := d.PopExpired(now, 10)
	require.NoError(t, popErr)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].Key)
	assert.Equal(t, []byte("p1"), due[0].Payload)

	// Due entries are consumed; the rest stay armed.
	due, popErr = d.PopExpired(now, 10)
	require.NoError(t, popErr)
	assert.Empty(t, due)

	due, popErr = d.PopExpired(now.Add(2*time.Minute), 10)
	require.NoError(t, popErr)
	require.Len(t, due, 1)
	assert.Equal(t, "later", due[0].Key)
}

func TestDeadlines_Set_ReplacesDeadline(t *testing.T) {
	t.Parallel()

	d := newStore(t).Deadlines("d")
	now := time.Unix(1700000000, 0)

	require.NoError(t, d.Set("k", now.Add(time.Second), []byte("p")))
	require.NoError(t, d.Set("k", now.Add(time.Hour), []byte("p")))

	due, popErr := d.PopExpired(now.Add(time.Minute), 10)
	require.NoError(t, popErr)
	assert.Empty(t, due)
}

package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/nsavage/keepcache/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestStore_InsertLookupDelete(t *testing.T) {
	t.Parallel()

	s := New[string, string](clock.NewFake(1000))
	s.Insert("a", Entry[string]{Value: "1", Modified: 1000})

	e, ok := s.Lookup("a")
	require.True(t, ok)
	require.Equal(t, "1", e.Value)

	require.True(t, s.Delete("a"))
	require.False(t, s.Delete("a"))

	_, ok = s.Lookup("a")
	require.False(t, ok)
}

func TestStore_UpdateAbsentReturnsFalse(t *testing.T) {
	t.Parallel()

	s := New[string, int](clock.NewFake(0))
	ok := s.Update("missing", func(e *Entry[int]) { e.Value = 5 })
	require.False(t, ok)
}

func TestStore_UpdateIsElementWise(t *testing.T) {
	t.Parallel()

	s := New[string, int](clock.NewFake(0))
	s.Insert("k", Entry[int]{Value: 1, Modified: 0, Expiration: 500})

	ok := s.Update("k", func(e *Entry[int]) { e.Value = 2 })
	require.True(t, ok)

	e, _ := s.Lookup("k")
	require.Equal(t, 2, e.Value)
	require.Equal(t, int64(500), e.Expiration, "Update must not disturb fields the mutator doesn't touch")
}

func TestStore_ExpiredAndTTL(t *testing.T) {
	t.Parallel()

	e := Entry[string]{Value: "v", Modified: 1000, Expiration: 100}
	require.False(t, e.Expired(1050))
	require.True(t, e.Expired(1100))

	ttl, ok := e.TTL(1050)
	require.True(t, ok)
	require.Equal(t, int64(50), ttl)

	noExp := Entry[string]{Value: "v", Modified: 1000}
	_, ok = noExp.TTL(5000)
	require.False(t, ok)
}

func TestStore_SelectDeleteRemovesOnlyMatches(t *testing.T) {
	t.Parallel()

	s := New[string, int](clock.NewFake(0))
	s.Insert("a", Entry[int]{Value: 1, Modified: 0, Expiration: 10})
	s.Insert("b", Entry[int]{Value: 2, Modified: 0})
	s.Insert("c", Entry[int]{Value: 3, Modified: 0, Expiration: 10})

	n := s.SelectDelete(func(_ string, e Entry[int]) bool { return e.Expired(100) })
	require.Equal(t, 2, n)
	require.Equal(t, 1, s.Size())

	_, ok := s.Lookup("b")
	require.True(t, ok)
}

func TestStore_OldestModifiedOrdering(t *testing.T) {
	t.Parallel()

	s := New[string, int](clock.NewFake(0))
	s.Insert("a", Entry[int]{Value: 1, Modified: 10})
	s.Insert("b", Entry[int]{Value: 2, Modified: 20})
	s.Insert("c", Entry[int]{Value: 3, Modified: 30})

	oldest := s.OldestModified(2)
	require.Equal(t, []string{"a", "b"}, oldest)
}

func TestStore_OldestModifiedMergesAcrossShards(t *testing.T) {
	t.Parallel()

	s := NewWithShards[string, int](clock.NewFake(0), 4)
	require.Equal(t, 4, s.ShardCount())

	for i := 0; i < 10; i++ {
		k := string(rune('a' + i))
		s.Insert(k, Entry[int]{Value: i, Modified: int64(10 * (i + 1))})
	}

	oldest := s.OldestModified(3)
	require.Equal(t, []string{"a", "b", "c"}, oldest)
}

func TestStore_UpdateAdvancingModifiedChangesEvictionOrder(t *testing.T) {
	t.Parallel()

	s := NewWithShards[string, int](clock.NewFake(0), 1)
	s.Insert("a", Entry[int]{Value: 1, Modified: 10})
	s.Insert("b", Entry[int]{Value: 2, Modified: 20})

	ok := s.Update("a", func(e *Entry[int]) { e.Modified = 30 })
	require.True(t, ok)

	require.Equal(t, []string{"b"}, s.OldestModified(1))
}

func TestStore_ShardCountRoundsUpToPowerOfTwo(t *testing.T) {
	t.Parallel()

	s := NewWithShards[string, int](clock.NewFake(0), 3)
	require.Equal(t, 4, s.ShardCount())
}

func TestStore_InsertManyWritesEveryEntry(t *testing.T) {
	t.Parallel()

	s := New[string, int](clock.NewFake(0))
	s.InsertMany(map[string]Entry[int]{
		"a": {Value: 1, Modified: 1},
		"b": {Value: 2, Modified: 2},
	})
	require.Equal(t, 2, s.Size())
}

func TestStore_ConcurrentWritersOnDistinctKeys(t *testing.T) {
	t.Parallel()

	s := New[string, int](clock.NewFake(0))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k := fmt.Sprintf("w%d-%d", i, j)
				s.Insert(k, Entry[int]{Value: j, Modified: int64(j)})
				s.Update(k, func(e *Entry[int]) { e.Value++ })
				s.Delete(k)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 0, s.Size())
}

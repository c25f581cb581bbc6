package syncer

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chain5j/chain5j-protocol/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type item string

func (i item) Compare(other item) int {
	return strings.Compare(string(i), string(other))
}

func TestPoolInsertDeduplicates(t *testing.T) {
	pool := NewTTLPool[item](time.Hour, clock.NewMock())
	pool.Insert("a", 5, "x")
	pool.Insert("b", 5, "x")
	pool.Insert("a", 5, "x")

	assert.Equal(t, 1, pool.Size())
	entries := pool.TakeEntries(10)
	require.Len(t, entries, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{string(entries[0].PeerIDs()[0]), string(entries[0].PeerIDs()[1])})
}

func TestPoolSameNumberDifferentData(t *testing.T) {
	pool := NewTTLPool[item](time.Hour, clock.NewMock())
	pool.Insert("a", 5, "y")
	pool.Insert("a", 5, "x")

	assert.Equal(t, 2, pool.Size())
	assert.Equal(t, []item{"x", "y"}, pool.Take(2))
}

func TestPoolTakeIsBounded(t *testing.T) {
	pool := NewTTLPool[item](time.Hour, clock.NewMock())
	for i := 0; i < 10; i++ {
		pool.Insert("a", uint64(i), item(fmt.Sprint(i)))
	}

	assert.Equal(t, []item{"0", "1", "2"}, pool.Take(3))
	assert.Equal(t, 7, pool.Size())
	assert.Len(t, pool.Take(100), 7)
	assert.Zero(t, pool.Size())
}

func TestPoolEmpty(t *testing.T) {
	pool := NewTTLPool[item](0, nil)

	_, _, ok := pool.Peek()
	assert.False(t, ok)
	taken := pool.Take(5)
	assert.NotNil(t, taken)
	assert.Empty(t, taken)
	assert.Empty(t, pool.GC(time.Now().Add(2*time.Hour)))
}

func TestPoolPeek(t *testing.T) {
	pool := NewTTLPool[item](time.Hour, clock.NewMock())
	pool.Insert("a", 9, "z")
	pool.Insert("a", 3, "y")

	data, number, ok := pool.Peek()
	require.True(t, ok)
	assert.Equal(t, item("y"), data)
	assert.EqualValues(t, 3, number)
	assert.Equal(t, 2, pool.Size(), "peek does not remove")
}

func TestPoolPopMinIf(t *testing.T) {
	pool := NewTTLPool[item](time.Hour, clock.NewMock())
	_, ok := pool.PopMinIf(100)
	assert.False(t, ok)

	pool.Insert("a", 4, "y")
	pool.Insert("b", 4, "x")
	pool.Insert("a", 7, "z")

	_, ok = pool.PopMinIf(3)
	assert.False(t, ok, "gap below the lowest entry")
	assert.Equal(t, 3, pool.Size())

	entry, ok := pool.PopMinIf(4)
	require.True(t, ok)
	assert.Equal(t, item("x"), entry.Data)
	assert.EqualValues(t, 4, entry.BlockNumber)
	assert.Equal(t, []models.P2PID{"b"}, entry.PeerIDs())

	entry, ok = pool.PopMinIf(4)
	require.True(t, ok)
	assert.Equal(t, item("y"), entry.Data)

	_, ok = pool.PopMinIf(6)
	assert.False(t, ok)
	assert.Equal(t, []item{"z"}, pool.Take(5))
}

func TestPoolPopMinIfConcurrentInsert(t *testing.T) {
	pool := NewTTLPool[item](time.Hour, clock.NewMock())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			pool.Insert("a", uint64(i%10), item(fmt.Sprint(i)))
		}
	}()
	var popped int
	for {
		select {
		case <-done:
			for {
				entry, ok := pool.PopMinIf(4)
				if !ok {
					break
				}
				require.LessOrEqual(t, entry.BlockNumber, uint64(4))
				popped++
			}
			assert.Equal(t, 500, popped)
			assert.Equal(t, 500, pool.Size())
			return
		default:
			if entry, ok := pool.PopMinIf(4); ok {
				require.LessOrEqual(t, entry.BlockNumber, uint64(4))
				popped++
			}
		}
	}
}

func TestPoolGC(t *testing.T) {
	mock := clock.NewMock()
	pool := NewTTLPool[item](time.Hour, mock)
	pool.Insert("a", 1, "x")

	mock.Add(3599 * time.Second)
	pool.Insert("b", 2, "y")
	assert.Empty(t, pool.GC(mock.Now()))
	assert.Equal(t, 2, pool.Size())

	// a duplicate keeps its first expiry
	pool.Insert("c", 1, "x")
	mock.Add(2 * time.Second)
	assert.Equal(t, []item{"x"}, pool.GC(mock.Now()))
	assert.Equal(t, 1, pool.Size())

	// a re-inserted artifact starts a fresh lifetime
	pool.Insert("a", 1, "x")
	mock.Add(3599 * time.Second)
	assert.Equal(t, []item{"y"}, pool.GC(mock.Now()))
	assert.Equal(t, 1, pool.Size())
}

func TestPoolOrdering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 64).Draw(t, "n").(int)
		numbers := make([]uint64, n)
		datas := make([]item, n)
		for i := 0; i < n; i++ {
			numbers[i] = rapid.Uint64Range(0, 16).Draw(t, "number").(uint64)
			datas[i] = item(rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(t, "data").(string))
		}
		perm := indexes(n)
		for i := n - 1; i > 0; i-- {
			j := rapid.IntRange(0, i).Draw(t, "swap").(int)
			perm[i], perm[j] = perm[j], perm[i]
		}

		forward := NewTTLPool[item](time.Hour, clock.NewMock())
		shuffled := NewTTLPool[item](time.Hour, clock.NewMock())
		for i := 0; i < n; i++ {
			forward.Insert("a", numbers[i], datas[i])
			j := perm[i]
			shuffled.Insert("b", numbers[j], datas[j])
		}

		size := forward.Size()
		if shuffled.Size() != size {
			t.Fatalf("size %d != %d", shuffled.Size(), size)
		}
		var lastNumber uint64
		var lastData item
		for i := 0; i < size; i++ {
			d1, n1, _ := forward.Peek()
			d2, n2, _ := shuffled.Peek()
			if d1 != d2 || n1 != n2 {
				t.Fatalf("insertion order changed take order: (%d,%s) != (%d,%s)", n1, d1, n2, d2)
			}
			if i > 0 && (n1 < lastNumber || (n1 == lastNumber && d1.Compare(lastData) <= 0)) {
				t.Fatalf("out of order: (%d,%s) after (%d,%s)", n1, d1, lastNumber, lastData)
			}
			lastNumber, lastData = n1, d1
			forward.Take(1)
			shuffled.Take(1)
		}
	})
}

func indexes(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

package nonceset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet_InsertFirstTimeSucceeds(t *testing.T) {
	s := New(16)
	assert.True(t, s.Insert(42))
}

func TestSet_InsertDuplicateFails(t *testing.T) {
	s := New(16)
	require := assert.New(t)
	require.True(s.Insert(42))
	require.False(s.Insert(42))
}

func TestSet_Contains(t *testing.T) {
	s := New(16)
	assert.False(t, s.Contains(7))
	s.Insert(7)
	assert.True(t, s.Contains(7))
}

func TestSet_ClearRemovesAll(t *testing.T) {
	s := New(16)
	s.Insert(1)
	s.Insert(2)
	s.Clear()

	assert.False(t, s.Contains(1))
	assert.False(t, s.Contains(2))
	assert.Equal(t, 0, s.Len())
}

func TestSet_NonPowerOfTwoShardCountRoundsUp(t *testing.T) {
	s := New(10)
	assert.Equal(t, 16, len(s.shards))
}

func TestSet_ConcurrentInsertOnlyOneWinner(t *testing.T) {
	s := New(64)
	const attempts = 100
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Insert(999) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
}

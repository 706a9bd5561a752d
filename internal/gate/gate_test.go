package gate

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentAdmissionAdmitsExactlyOne(t *testing.T) {
	g := New()
	const n = 64
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []*Token
		rejected []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tok, err := g.TryAdmit(fmt.Sprintf("user-%d", i), "prompt")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected = append(rejected, err)
				return
			}
			admitted = append(admitted, tok)
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, admitted, 1)
	require.Len(t, rejected, n-1)
	holder := admitted[0].RequesterID
	for _, err := range rejected {
		assert.ErrorIs(t, err, ErrAdmissionRejected)
		var busy *BusyError
		require.True(t, errors.As(err, &busy))
		assert.Equal(t, holder, busy.Holder)
	}
}

func TestReleaseIsIdempotentAndIgnoresStaleTokens(t *testing.T) {
	g := New()
	first, err := g.TryAdmit("alice", "one")
	require.NoError(t, err)

	g.Release(first)
	g.Release(first)
	g.Release(nil)
	_, held := g.Current()
	assert.False(t, held)

	second, err := g.TryAdmit("bob", "two")
	require.NoError(t, err)
	g.Release(first)
	cur, held := g.Current()
	require.True(t, held, "stale release must not free the new holder")
	assert.Equal(t, second.ID, cur.ID)
	assert.Equal(t, "bob", cur.RequesterID)
	assert.Equal(t, "two", cur.Prompt)

	g.Release(second)
	_, err = g.TryAdmit("carol", "three")
	assert.NoError(t, err)
}

func TestBusyErrorReportsElapsed(t *testing.T) {
	g := New()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g.now = func() time.Time { return base }
	_, err := g.TryAdmit("alice", "one")
	require.NoError(t, err)

	g.now = func() time.Time { return base.Add(42 * time.Second) }
	_, err = g.TryAdmit("bob", "two")
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "alice", busy.Holder)
	assert.Equal(t, 42*time.Second, busy.Elapsed)
	assert.Equal(t, base, busy.Since)
	assert.Contains(t, err.Error(), "alice")
}

package llm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testPool(t *testing.T, keys ...string) *Pool[string] {
	t.Helper()
	creds := make([]Credential[string], len(keys))
	for i, k := range keys {
		creds[i] = Credential[string]{Key: k, Client: "client-" + k}
	}
	p, err := NewPool(creds, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestPoolRoundRobin(t *testing.T) {
	p := testPool(t, "a", "b", "c")
	ctx := context.Background()

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, p.Acquire(ctx).Key)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestPoolConcurrentAcquireIsFair(t *testing.T) {
	p := testPool(t, "k1", "k2", "k3", "k4")
	ctx := context.Background()

	const perKey = 250
	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < perKey*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k := p.Acquire(ctx).Key
			mu.Lock()
			counts[k]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, k := range []string{"k1", "k2", "k3", "k4"} {
		assert.Equal(t, perKey, counts[k], k)
	}
}

type stubRotator struct {
	next uint64
	err  error
}

func (s *stubRotator) Next(context.Context) (uint64, error) {
	if s.err != nil {
		return 0, s.err
	}
	n := s.next
	s.next++
	return n, nil
}

func TestPoolSharedRotator(t *testing.T) {
	p := testPool(t, "a", "b")
	p.SetRotator(&stubRotator{next: 7})
	assert.Equal(t, "b", p.Acquire(context.Background()).Key)
	assert.Equal(t, "a", p.Acquire(context.Background()).Key)
}

func TestPoolRotatorFailureFallsBack(t *testing.T) {
	p := testPool(t, "a", "b")
	p.SetRotator(&stubRotator{err: errors.New("redis down")})
	assert.Equal(t, "a", p.Acquire(context.Background()).Key)
	assert.Equal(t, "b", p.Acquire(context.Background()).Key)
}

func TestNewPoolRequiresCredentials(t *testing.T) {
	_, err := NewPool[string](nil, zap.NewNop())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestSplitKeysAndMask(t *testing.T) {
	assert.Equal(t, []string{"k1", "k2"}, SplitKeys(" k1, ,k2 ,"))
	assert.Nil(t, SplitKeys(" , "))
	assert.Equal(t, "...cdef", MaskKey("abcdef"))
	assert.Equal(t, "****", MaskKey("abc"))
}

func TestUsageAdd(t *testing.T) {
	var u Usage
	u.Add(&Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3})
	u.Add(nil)
	u.Add(&Usage{PromptTokens: 4, CompletionTokens: 5, TotalTokens: 9})
	assert.Equal(t, Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}, u)
}

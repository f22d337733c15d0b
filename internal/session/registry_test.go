package session

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGauge struct {
	mu     sync.Mutex
	value  float64
	values []float64
}

func (g *fakeGauge) Set(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
	g.values = append(g.values, v)
}

func (g *fakeGauge) get() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

func TestRegistry_ConnectDisconnectCounts(t *testing.T) {
	g := &fakeGauge{}
	r := NewRegistry(g)

	for i := 0; i < 5; i++ {
		_, err := r.Connect(fmt.Sprintf("s%d", i), "127.0.0.1", "")
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, ok := r.Disconnect(fmt.Sprintf("s%d", i))
		assert.True(t, ok)
	}

	assert.Equal(t, 2, r.ActiveCount())
	assert.Equal(t, 2.0, g.get())
}

func TestRegistry_DisconnectIdempotent(t *testing.T) {
	g := &fakeGauge{}
	r := NewRegistry(g)
	_, err := r.Connect("a", "127.0.0.1", "")
	require.NoError(t, err)

	_, ok := r.Disconnect("a")
	assert.True(t, ok)
	_, ok = r.Disconnect("a")
	assert.False(t, ok)
	_, ok = r.Disconnect("never")
	assert.False(t, ok)

	assert.Equal(t, 0, r.ActiveCount())
	assert.Equal(t, 0.0, g.get())
	for _, v := range g.values {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestRegistry_DuplicateConnect(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Connect("a", "127.0.0.1", "")
	require.NoError(t, err)
	_, err = r.Connect("a", "127.0.0.1", "")
	assert.ErrorIs(t, err, ErrExists)
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRegistry_ConcurrentDisconnectSameID(t *testing.T) {
	g := &fakeGauge{}
	r := NewRegistry(g)
	for i := 0; i < 10; i++ {
		_, err := r.Connect(fmt.Sprintf("s%d", i), "127.0.0.1", "")
		require.NoError(t, err)
	}

	var removed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Disconnect("s3"); ok {
				removed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, removed.Load())
	assert.Equal(t, 9, r.ActiveCount())
	assert.Equal(t, 9.0, g.get())
}

func TestRegistry_ConcurrentConnectDisconnect(t *testing.T) {
	g := &fakeGauge{}
	r := NewRegistry(g)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			_, err := r.Connect(id, "127.0.0.1", "")
			assert.NoError(t, err)
			r.Touch(id)
			if i%2 == 0 {
				r.Disconnect(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.ActiveCount())
	assert.Equal(t, 50.0, g.get())
}

func TestRegistry_TouchAndList(t *testing.T) {
	r := NewRegistry(nil)
	s, err := r.Connect("abcdef0123456789", "10.0.0.1", "alice")
	require.NoError(t, err)

	_, ok := r.Touch("abcdef0123456789")
	require.True(t, ok)
	r.Touch("abcdef0123456789")
	_, ok = r.Touch("missing")
	assert.False(t, ok)

	assert.EqualValues(t, 2, s.CommandCount())
	assert.False(t, s.LastActivity().Before(s.ConnectedAt))

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "10.0.0.1", list[0].ClientAddr)
	assert.Equal(t, "alice", list[0].User)
	assert.EqualValues(t, 2, list[0].CommandCount)
}

func TestSession_CwdIsSessionLocal(t *testing.T) {
	before, err := os.Getwd()
	require.NoError(t, err)

	a := New("a", "", "")
	b := New("b", "", "")
	a.SetCwd("/tmp")

	assert.Equal(t, "/tmp", a.Cwd())
	assert.Equal(t, before, b.Cwd())
	assert.Contains(t, a.Environ(), "PWD=/tmp")

	after, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, before, after, "server working directory must not change")
}

func TestSession_SequenceSerializes(t *testing.T) {
	s := New("seq", "", "")

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Sequence(func() {
				n := inFlight.Add(1)
				if n > maxInFlight.Load() {
					maxInFlight.Store(n)
				}
				inFlight.Add(-1)
			})
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInFlight.Load())
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "abcdef01...", Redact("abcdef0123456789"))
	assert.Equal(t, "short", Redact("short"))
}

package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_Transitions(t *testing.T) {
	m := NewManual(false)
	var seen []bool
	unsubscribe := m.Subscribe(func(online bool) { seen = append(seen, online) })

	assert.True(t, m.Set(true))
	assert.False(t, m.Set(true), "no transition when state is unchanged")
	assert.True(t, m.Set(false))
	assert.Equal(t, []bool{true, false}, seen)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, m.Subscribers())

	m.Set(true)
	assert.Len(t, seen, 2, "unsubscribed callback is not called")
}

func TestOnOnline_SingleCallPerTransition(t *testing.T) {
	m := NewManual(false)
	var calls atomic.Int32
	stop := OnOnline(m, 20*time.Millisecond, func() { calls.Add(1) })
	defer stop()

	m.Set(true)
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Staying online does not fire again.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOnOnline_FlappingCollapses(t *testing.T) {
	m := NewManual(false)
	var calls atomic.Int32
	stop := OnOnline(m, 50*time.Millisecond, func() { calls.Add(1) })
	defer stop()

	for i := 0; i < 5; i++ {
		m.Set(true)
		m.Set(false)
	}
	m.Set(true)

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOnOnline_OfflineCancels(t *testing.T) {
	m := NewManual(false)
	var calls atomic.Int32
	stop := OnOnline(m, 50*time.Millisecond, func() { calls.Add(1) })
	defer stop()

	m.Set(true)
	m.Set(false)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestOnOnline_StopCancelsPending(t *testing.T) {
	m := NewManual(false)
	var calls atomic.Int32
	stop := OnOnline(m, 30*time.Millisecond, func() { calls.Add(1) })

	m.Set(true)
	stop()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, m.Subscribers())
}

func TestProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p, err := NewProbe(ProbeConfig{URL: srv.URL, Interval: time.Hour, Timeout: time.Second})
	require.NoError(t, err)
	assert.False(t, p.IsOnline(), "offline until the first check")

	var transitions []bool
	p.Subscribe(func(online bool) { transitions = append(transitions, online) })

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()
	assert.True(t, p.IsOnline())
	assert.Error(t, p.Start(ctx), "second Start fails")

	// 4xx still means the server is reachable.
	status.Store(http.StatusUnauthorized)
	assert.True(t, p.Check(ctx))

	status.Store(http.StatusBadGateway)
	assert.False(t, p.Check(ctx))

	assert.Equal(t, []bool{true, false}, transitions)
}

func TestProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewProbe(ProbeConfig{URL: url, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, p.Check(context.Background()))

	_, err = NewProbe(ProbeConfig{})
	assert.Error(t, err)
}

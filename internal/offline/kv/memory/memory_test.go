package memory

import (
	"context"
	"testing"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/kvtest"
)

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store { return New() })
}

func TestClosedStore(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Put(context.Background(), "a", nil); err != kv.ErrClosed {
		t.Errorf("Put after Close = %v, want %v", err, kv.ErrClosed)
	}
}

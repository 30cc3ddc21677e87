package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/zwoods58/WebApp-sub007/internal/offline/kv"
	"github.com/zwoods58/WebApp-sub007/internal/offline/kv/kvtest"
)

// Requires a reachable server: OUTBOX_TEST_REDIS_ADDR=localhost:6379
func TestConformance(t *testing.T) {
	addr := os.Getenv("OUTBOX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OUTBOX_TEST_REDIS_ADDR not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	kvtest.Run(t, func(t *testing.T) kv.Store {
		// A fresh namespace per subtest keeps runs independent.
		return New(client, "outbox-test:"+uuid.NewString()+":")
	})
}

func TestEscapeGlob(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"q/", "q/"},
		{"own/a*b/", `own/a\*b/`},
		{"own/[x]?/", `own/\[x\]\?/`},
	}
	for _, tt := range tests {
		if got := escapeGlob(tt.in); got != tt.want {
			t.Errorf("escapeGlob(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
)

type captured struct {
	Method string
	Path   string
	Body   string
	Key    string
	Auth   string
}

func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *[]captured) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, captured{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Body:   string(b),
			Key:    r.Header.Get(IdempotencyHeader),
			Auth:   r.Header.Get("Authorization"),
		})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func item(kind queue.OperationKind, payload string) *queue.Item {
	return &queue.Item{
		ID:             7,
		Kind:           kind,
		EntityType:     "transactions",
		EntityID:       "local-1",
		Payload:        []byte(payload),
		IdempotencyKey: "key-7",
	}
}

func TestHTTP_Contract(t *testing.T) {
	tests := []struct {
		name     string
		kind     queue.OperationKind
		remoteID string
		wantVerb string
		wantPath string
		wantBody string
	}{
		{"create", queue.OpCreate, "", http.MethodPost, "/v1/transactions", `{"amount":500}`},
		{"update local id", queue.OpUpdate, "", http.MethodPut, "/v1/transactions/local-1", `{"amount":500}`},
		{"update remote id", queue.OpUpdate, "srv 9", http.MethodPut, "/v1/transactions/srv%209", `{"amount":500}`},
		{"delete", queue.OpDelete, "srv-9", http.MethodDelete, "/v1/transactions/srv-9", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, seen := newTestServer(t, http.StatusOK, `{"id":"srv-9"}`)
			gw, err := NewHTTP(HTTPConfig{
				BaseURL: srv.URL + "/v1/",
				Headers: map[string]string{"Authorization": "Bearer t"},
			})
			require.NoError(t, err)

			ack, err := gw.Sync(context.Background(), Request{Item: item(tt.kind, `{"amount":500}`), RemoteID: tt.remoteID})
			require.NoError(t, err)
			assert.Equal(t, "srv-9", ack.RemoteID)
			assert.Equal(t, http.StatusOK, ack.StatusCode)

			require.Len(t, *seen, 1)
			got := (*seen)[0]
			assert.Equal(t, tt.wantVerb, got.Method)
			assert.Equal(t, tt.wantPath, got.Path)
			assert.Equal(t, tt.wantBody, got.Body)
			assert.Equal(t, "key-7", got.Key)
			assert.Equal(t, "Bearer t", got.Auth)
		})
	}
}

func TestHTTP_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusBadRequest, KindPermanent},
		{http.StatusNotFound, KindPermanent},
		{http.StatusConflict, KindPermanent},
		{http.StatusUnprocessableEntity, KindPermanent},
		{http.StatusRequestTimeout, KindTransient},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusServiceUnavailable, KindTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := newTestServer(t, tt.status, "nope")
			gw, err := NewHTTP(HTTPConfig{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = gw.Sync(context.Background(), Request{Item: item(queue.OpCreate, `{}`)})
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))

			var se *SyncError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
		})
	}
}

func TestHTTP_CorruptPayload(t *testing.T) {
	srv, seen := newTestServer(t, http.StatusOK, "")
	gw, err := NewHTTP(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	for _, payload := range []string{"", "{not json"} {
		_, err = gw.Sync(context.Background(), Request{Item: item(queue.OpCreate, payload)})
		assert.Equal(t, KindCorrupt, KindOf(err))
	}
	assert.Empty(t, *seen, "corrupt payloads never reach the server")
}

func TestHTTP_NetworkErrorIsTransient(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, "")
	url := srv.URL
	srv.Close()

	gw, err := NewHTTP(HTTPConfig{BaseURL: url})
	require.NoError(t, err)

	_, err = gw.Sync(context.Background(), Request{Item: item(queue.OpDelete, "")})
	require.Error(t, err)
	assert.True(t, Retryable(err))
}

func TestHTTP_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	gw, err := NewHTTP(HTTPConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = gw.Sync(context.Background(), Request{Item: item(queue.OpDelete, "")})
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.True(t, IsTimeout(err))
}

func TestNewHTTP_Validation(t *testing.T) {
	for _, base := range []string{"", "ftp://example.com", "://bad"} {
		_, err := NewHTTP(HTTPConfig{BaseURL: base})
		assert.Error(t, err, "base %q", base)
	}
}

func TestRemoteID(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"id":"abc"}`, "abc"},
		{`{"id":42}`, "42"},
		{`{"name":"x"}`, ""},
		{`[1,2]`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, remoteID([]byte(tt.body)), tt.body)
	}
}

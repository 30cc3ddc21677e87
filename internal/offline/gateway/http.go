package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
)

// DefaultTimeout bounds a single HTTP attempt.
const DefaultTimeout = 15 * time.Second

// IdempotencyHeader carries the queue item's idempotency key. The server
// must treat repeated requests with the same key as one mutation.
const IdempotencyHeader = "Idempotency-Key"

const maxResponseBody = 1 << 20

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPConfig configures the REST gateway.
type HTTPConfig struct {
	// BaseURL is the API root, e.g. https://api.example.com/v1.
	BaseURL string

	// Timeout bounds each request. Default: DefaultTimeout.
	Timeout time.Duration

	// Headers are added to every request (auth tokens and the like).
	Headers map[string]string

	// Client overrides the HTTP client.
	Client Doer

	Logger *zap.Logger
}

// HTTP maps queue items onto a REST contract:
//
//	create  POST   {base}/{entity}
//	update  PUT    {base}/{entity}/{id}
//	delete  DELETE {base}/{entity}/{id}
//
// Any 2xx is success. The response may carry {"id": "..."} to report a
// server-assigned id.
type HTTP struct {
	base    *url.URL
	client  Doer
	headers map[string]string
	logger  *zap.Logger
}

// NewHTTP validates cfg and returns the gateway.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{base: base, client: client, headers: cfg.Headers, logger: logger}, nil
}

// Register routes every kind of each entity type to h.
func (h *HTTP) Register(r *Router, entityTypes ...string) {
	for _, et := range entityTypes {
		r.HandleFunc(et, queue.OpCreate, h.Create)
		r.HandleFunc(et, queue.OpUpdate, h.Update)
		r.HandleFunc(et, queue.OpDelete, h.Delete)
	}
}

// Sync implements Gateway by dispatching on the item kind.
func (h *HTTP) Sync(ctx context.Context, req Request) (Ack, error) {
	if req.Item == nil {
		return Ack{}, Corrupt(fmt.Errorf("request has no queue item"))
	}
	switch req.Item.Kind {
	case queue.OpCreate:
		return h.Create(ctx, req)
	case queue.OpUpdate:
		return h.Update(ctx, req)
	case queue.OpDelete:
		return h.Delete(ctx, req)
	default:
		return Ack{}, Corrupt(fmt.Errorf("unknown operation kind %q", req.Item.Kind))
	}
}

// Create POSTs the payload to the collection.
func (h *HTTP) Create(ctx context.Context, req Request) (Ack, error) {
	body, err := jsonBody(req.Item)
	if err != nil {
		return Ack{}, err
	}
	return h.do(ctx, http.MethodPost, h.endpoint(req.Item.EntityType, ""), body, req.Item)
}

// Update PUTs the payload to the entity.
func (h *HTTP) Update(ctx context.Context, req Request) (Ack, error) {
	body, err := jsonBody(req.Item)
	if err != nil {
		return Ack{}, err
	}
	return h.do(ctx, http.MethodPut, h.endpoint(req.Item.EntityType, req.TargetID()), body, req.Item)
}

// Delete DELETEs the entity.
func (h *HTTP) Delete(ctx context.Context, req Request) (Ack, error) {
	return h.do(ctx, http.MethodDelete, h.endpoint(req.Item.EntityType, req.TargetID()), nil, req.Item)
}

func (h *HTTP) endpoint(entityType, id string) string {
	u := *h.base
	raw := h.base.EscapedPath() + "/" + url.PathEscape(entityType)
	u.Path += "/" + entityType
	if id != "" {
		raw += "/" + url.PathEscape(id)
		u.Path += "/" + id
	}
	u.RawPath = raw
	return u.String()
}

func (h *HTTP) do(ctx context.Context, method, target string, body []byte, it *queue.Item) (Ack, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return Ack{}, Corrupt(fmt.Errorf("failed to build request: %w", err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(IdempotencyHeader, it.IdempotencyKey)
	for k, v := range h.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Ack{}, Transient(fmt.Errorf("%s %s: %w", method, target, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Ack{}, Transient(fmt.Errorf("failed to read response: %w", err))
	}

	h.logger.Debug("gateway call",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Int64("item", it.ID),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ack{}, FromStatus(resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	ack := Ack{StatusCode: resp.StatusCode}
	if len(bytes.TrimSpace(respBody)) > 0 && json.Valid(respBody) {
		ack.Body = respBody
		ack.RemoteID = remoteID(respBody)
	}
	return ack, nil
}

func jsonBody(it *queue.Item) ([]byte, error) {
	if len(bytes.TrimSpace(it.Payload)) == 0 {
		return nil, Corrupt(errors.New("empty payload"))
	}
	if !json.Valid(it.Payload) {
		return nil, Corrupt(errors.New("payload is not valid JSON"))
	}
	return it.Payload, nil
}

// remoteID extracts "id" from an object response, accepting strings and numbers.
func remoteID(body []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	raw, ok := obj["id"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// Package gateway sends queued mutations to the server.
//
// A Gateway turns one queue item into one remote call and reports the result
// as an Ack or a *SyncError. The Router dispatches on entity type and
// operation kind, so each (entity, kind) pair can have its own function.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zwoods58/WebApp-sub007/internal/offline/queue"
)

// Request is one sync attempt.
type Request struct {
	Item *queue.Item

	// RemoteID is the server id of the entity when known. Update and delete
	// calls address it instead of the local id.
	RemoteID string
}

// TargetID is the id used to address the entity remotely.
func (r Request) TargetID() string {
	if r.RemoteID != "" {
		return r.RemoteID
	}
	return r.Item.EntityID
}

// Ack is a successful server acknowledgement.
type Ack struct {
	// RemoteID is the id the server assigned, if it reported one.
	RemoteID   string
	StatusCode int
	Body       json.RawMessage
}

// Gateway performs the remote call for a queue item.
type Gateway interface {
	Sync(ctx context.Context, req Request) (Ack, error)
}

// Func adapts a function to Gateway.
type Func func(ctx context.Context, req Request) (Ack, error)

// Sync implements Gateway.
func (f Func) Sync(ctx context.Context, req Request) (Ack, error) { return f(ctx, req) }

type route struct {
	entityType string
	kind       queue.OperationKind
}

// Router dispatches requests by entity type and operation kind.
type Router struct {
	mu     sync.RWMutex
	routes map[route]Gateway
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[route]Gateway)}
}

// Handle registers g for entityType and kind, replacing any previous entry.
func (r *Router) Handle(entityType string, kind queue.OperationKind, g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route{entityType, kind}] = g
}

// HandleFunc registers fn for entityType and kind.
func (r *Router) HandleFunc(entityType string, kind queue.OperationKind, fn Func) {
	r.Handle(entityType, kind, fn)
}

// EntityTypes returns the entity types with at least one route.
func (r *Router) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for rt := range r.routes {
		if !seen[rt.entityType] {
			seen[rt.entityType] = true
			out = append(out, rt.entityType)
		}
	}
	return out
}

// Sync implements Gateway. A request without a route fails permanently.
func (r *Router) Sync(ctx context.Context, req Request) (Ack, error) {
	if req.Item == nil {
		return Ack{}, Corrupt(fmt.Errorf("request has no queue item"))
	}
	r.mu.RLock()
	g, ok := r.routes[route{req.Item.EntityType, req.Item.Kind}]
	r.mu.RUnlock()
	if !ok {
		return Ack{}, Permanent(fmt.Errorf("no gateway registered for %s %s", req.Item.Kind, req.Item.EntityType))
	}
	return g.Sync(ctx, req)
}

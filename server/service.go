package server

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"harpc/message"
	"harpc/middleware"
	"harpc/protocol"
)

// A registered procedure is found by service id, major version and
// procedure id. The minor version is a floor: a handler registered at 1.3
// serves requests for 1.0 through 1.3.
type procedureKey struct {
	service   protocol.ServiceID
	major     uint8
	procedure protocol.ProcedureID
}

type procedure struct {
	minor   uint8
	handler middleware.HandlerFunc
}

// Router maps requests to handlers.
type Router struct {
	mu         sync.RWMutex
	procedures map[procedureKey]procedure
}

func NewRouter() *Router {
	return &Router{procedures: make(map[procedureKey]procedure)}
}

// Register binds h to proc of svc. Registering the same procedure again
// replaces the handler.
func (r *Router) Register(svc protocol.ServiceDescriptor, proc protocol.ProcedureID, h middleware.HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("server: nil handler for %s/%d", svc, proc)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := procedureKey{service: svc.ID, major: svc.Version.Major, procedure: proc}
	r.procedures[key] = procedure{minor: svc.Version.Minor, handler: h}
	return nil
}

// Services lists every registered service at the highest minor version seen.
func (r *Router) Services() []protocol.ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := make(map[[2]uint16]uint8)
	for key, p := range r.procedures {
		k := [2]uint16{uint16(key.service), uint16(key.major)}
		if minor, ok := latest[k]; !ok || p.minor > minor {
			latest[k] = p.minor
		}
	}
	out := make([]protocol.ServiceDescriptor, 0, len(latest))
	for k, minor := range latest {
		out = append(out, protocol.ServiceDescriptor{
			ID:      protocol.ServiceID(k[0]),
			Version: protocol.ServiceVersion{Major: uint8(k[1]), Minor: minor},
		})
	}
	slices.SortFunc(out, func(a, b protocol.ServiceDescriptor) int {
		if a.ID != b.ID {
			return int(a.ID) - int(b.ID)
		}
		return int(a.Version.Major) - int(b.Version.Major)
	})
	return out
}

// Dispatch is the innermost HandlerFunc of the server pipeline.
func (r *Router) Dispatch(ctx context.Context, req *message.Request) (*message.Response, error) {
	r.mu.RLock()
	p, ok := r.procedures[procedureKey{service: req.Service.ID, major: req.Service.Version.Major, procedure: req.Procedure}]
	r.mu.RUnlock()

	if !ok || p.minor < req.Service.Version.Minor {
		return nil, message.Errorf(protocol.ErrorCodeNotFound, "no procedure %d on service %s", req.Procedure, req.Service)
	}
	return p.handler(ctx, req)
}

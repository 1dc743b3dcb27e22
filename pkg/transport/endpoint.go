package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/zephyrreg/pkg/protocol"
)

// Endpoint is a Client whose target can be replaced while calls are in
// flight, e.g. when discovery reports that the registry moved.
type Endpoint struct {
	timeout time.Duration
	cur     atomic.Pointer[Client]
}

func NewEndpoint(timeout time.Duration) *Endpoint {
	return &Endpoint{timeout: timeout}
}

// Set points subsequent calls at base. An empty base leaves the endpoint
// without a target.
func (e *Endpoint) Set(base string) {
	if base == "" {
		e.cur.Store(nil)
		return
	}
	if c := e.cur.Load(); c != nil && c.URL() == NewClient(base, e.timeout).URL() {
		return
	}
	e.cur.Store(NewClient(base, e.timeout))
}

// URL of the current target, empty when unset.
func (e *Endpoint) URL() string {
	if c := e.cur.Load(); c != nil {
		return c.URL()
	}
	return ""
}

func (e *Endpoint) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	c := e.cur.Load()
	if c == nil {
		return protocol.Response{}, fmt.Errorf("%w: no registry endpoint known", ErrUnavailable)
	}
	return c.Call(ctx, req)
}

package node

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrreg/internal/telemetry"
	"github.com/ryandielhenn/zephyrreg/pkg/registry"
	"github.com/ryandielhenn/zephyrreg/pkg/transport"
)

// Registry is the part of registry.Service the node serves.
type Registry interface {
	transport.Handler
	Stats(ctx context.Context) (registry.Stats, error)
}

// Node exposes one registry over HTTP.
type Node struct {
	reg    Registry
	id     string
	addr   string
	logger *zap.Logger
}

func NewNode(reg Registry, id, addr string, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{reg: reg, id: id, addr: addr, logger: logger}
}

func (n *Node) ID() string { return n.id }

func (n *Node) Addr() string { return n.addr }

// Routes returns the node's HTTP handler.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(transport.RPCPath, telemetry.Instrument("rpc", transport.NewResponder(n.reg, n.logger)))
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// NormalizeHostPort strips an http:// or https:// prefix and adds defPort
// when addr has no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

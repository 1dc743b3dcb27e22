// Package transport carries registry envelopes over HTTP: one POST to /rpc
// per request, answered with exactly one response envelope.
package transport

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const (
	RPCPath     = "/rpc"
	ContentType = "application/msgpack"

	maxEnvelopeBytes = 1 << 20
)

// Handler answers one encoded request envelope.
type Handler interface {
	Handle(ctx context.Context, payload []byte) ([]byte, error)
}

// Responder adapts a Handler to http.Handler.
type Responder struct {
	h      Handler
	logger *zap.Logger
}

func NewResponder(h Handler, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{h: h, logger: logger}
}

func (rs *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxEnvelopeBytes))
	if err != nil {
		// Oversized or truncated bodies still get an envelope; the
		// registry answers them as malformed.
		rs.logger.Warn("cannot read request body", zap.String("remote", req.RemoteAddr), zap.Error(err))
		body = nil
	}

	out, err := rs.h.Handle(req.Context(), body)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) {
			// client went away, nobody reads the answer
			status = http.StatusRequestTimeout
		}
		rs.logger.Warn("request not handled", zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		rs.logger.Debug("cannot write response", zap.Error(err))
	}
}

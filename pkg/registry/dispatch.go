package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrreg/internal/telemetry"
	"github.com/ryandielhenn/zephyrreg/pkg/protocol"
)

// Call runs one decoded request through the registry.
func (s *Service) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	var resp protocol.Response
	if err := s.submit(ctx, func() { resp = s.dispatch(req) }); err != nil {
		return protocol.Response{}, err
	}
	return resp, nil
}

func (s *Service) handleRaw(payload []byte) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cannot handle envelope", zap.Any("panic", r), zap.Stack("stack"))
			out, _ = protocol.EncodeResponse(s.errorResponse(protocol.NameError, internalFault(fmt.Errorf("panic: %v", r))))
		}
	}()

	var resp protocol.Response
	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		s.logger.Warn("malformed request", zap.Int("bytes", len(payload)), zap.Error(err))
		telemetry.RequestsTotal.WithLabelValues("malformed", "error").Inc()
		resp = s.errorResponse(protocol.NameError, malformedRequest(err))
	} else {
		resp = s.dispatch(req)
	}

	out, err = protocol.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("cannot encode response", zap.String("service", resp.Service), zap.Error(err))
		out, _ = protocol.EncodeResponse(s.errorResponse(protocol.NameError, internalFault(err)))
	}
	return out
}

func (s *Service) dispatch(req protocol.Request) (resp protocol.Response) {
	svc := protocol.ParseService(req.Service)
	start := s.clk.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request failed", zap.String("service", req.Service), zap.Any("panic", r), zap.Stack("stack"))
			resp = s.errorResponse(req.Service, internalFault(fmt.Errorf("panic: %v", r)))
		}
		status := "ok"
		if resp.Data.IsError() {
			status = "error"
		}
		telemetry.RequestsTotal.WithLabelValues(svc.String(), status).Inc()
		telemetry.RequestDuration.WithLabelValues(svc.String()).Observe(s.clk.Since(start).Seconds())
	}()

	if c := req.Data.Clock; c != nil {
		if *c > protocol.MaxClock {
			return s.errorResponse(req.Service, invalidRequest("clock out of range"))
		}
		s.lamport.Merge(*c)
	}

	now := s.clk.Now()
	data := protocol.ResponseData{Kind: svc}
	var err error
	switch svc {
	case protocol.ServiceRank:
		data.Rank, err = s.rank(req.Data.User, now)
	case protocol.ServiceList:
		data.List = s.table.List()
		s.logger.Debug("list", zap.Int("members", len(data.List)))
	case protocol.ServiceHeartbeat:
		err = s.heartbeat(req.Data.User, now)
	default:
		err = ErrUnknownService
	}
	if err != nil {
		return s.errorResponse(req.Service, err)
	}

	data.Timestamp = now.UnixMilli()
	data.Clock = s.lamport.Tick()
	return protocol.Response{Service: req.Service, Data: data}
}

func (s *Service) rank(name string, now time.Time) (int64, error) {
	rank, created, err := s.table.RegisterOrGetRank(name, now)
	if err != nil {
		return 0, err
	}
	if created {
		telemetry.RankAssignments.Inc()
		s.logger.Info("registered member", zap.String("name", name), zap.Int64("rank", rank))
	} else {
		s.logger.Debug("rank requested for known member", zap.String("name", name), zap.Int64("rank", rank))
	}
	return rank, nil
}

func (s *Service) heartbeat(name string, now time.Time) error {
	rank, created, err := s.table.Heartbeat(name, now)
	if err != nil {
		return err
	}
	if created {
		telemetry.RankAssignments.Inc()
		s.logger.Info("registered member via heartbeat", zap.String("name", name), zap.Int64("rank", rank))
	} else {
		s.logger.Debug("heartbeat", zap.String("name", name))
	}
	return nil
}

// errorResponse is the only place a failure becomes a wire error shape.
func (s *Service) errorResponse(service string, err error) protocol.Response {
	var re *Error
	if !errors.As(err, &re) {
		re = internalFault(err)
	}
	return protocol.Response{
		Service: service,
		Data: protocol.ResponseData{
			Status:      protocol.StatusError,
			Description: re.Description,
			Timestamp:   s.clk.Now().UnixMilli(),
			Clock:       s.lamport.Tick(),
		},
	}
}

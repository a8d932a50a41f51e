// Package api exposes the engine over HTTP (JSON and server-sent events)
// and gRPC.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"quantlab/internal/config"
	"quantlab/internal/engine"
	"quantlab/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Server hosts the HTTP and gRPC endpoints.
type Server struct {
	cfg       config.Server
	engine    *engine.Engine
	telemetry *telemetry.Metrics
	log       *slog.Logger

	httpSrv *http.Server
	grpcSrv *grpc.Server
}

// NewServer creates a Server for eng. tel may be nil, in which case
// /metrics returns 404.
func NewServer(cfg config.Server, eng *engine.Engine, tel *telemetry.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, engine: eng, telemetry: tel, log: log}
}

// ListenAndServe starts the HTTP listener, and the gRPC listener when a gRPC
// port is configured, and blocks until ctx is cancelled or a listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	var grpcLn net.Listener
	if s.cfg.GRPCPort > 0 {
		grpcLn, err = net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.GRPCPort)))
		if err != nil {
			httpLn.Close()
			return err
		}
		s.grpcSrv = grpc.NewServer()
		s.RegisterGRPC(s.grpcSrv)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http listening", "addr", httpLn.Addr().String())
		if err := s.httpSrv.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcLn != nil {
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", grpcLn.Addr().String())
			return s.grpcSrv.Serve(grpcLn)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutCtx)
	})
	return g.Wait()
}

// Shutdown stops both listeners, waiting for in-flight requests until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grpcSrv != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcSrv.Stop()
		}
	}
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

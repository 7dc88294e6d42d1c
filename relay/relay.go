// Package relay accepts dispatch requests from the backend over HTTP and
// publishes them to the target worker's bus channel.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/botfleet/backend"
	"github.com/vinayprograms/botfleet/bus"
	"github.com/vinayprograms/botfleet/dispatch"
	ferrors "github.com/vinayprograms/botfleet/errors"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/telemetry"
)

// Routes served by the relay.
const (
	PathDispatch = "/webhook/dispatch-message"
	PathHealth   = "/healthz"
)

// Config configures a Server.
type Config struct {
	// Listen is the TCP address, e.g. ":8090".
	Listen string

	// Secret must match the X-API-KEY header of every dispatch request.
	Secret string

	MaxBodyBytes int64
}

// Status reports whether the fleet is operational.
type Status interface {
	Get() bool
}

// Server is the dispatch relay.
type Server struct {
	cfg    Config
	bus    bus.MessageBus
	status Status
	logger *logging.Logger
	tracer *telemetry.Tracer
	server *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithStatus sets the flag reported by the health endpoint.
func WithStatus(s Status) Option {
	return func(srv *Server) { srv.status = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l.WithComponent(logging.CompRelay)
		}
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(srv *Server) {
		if t != nil {
			srv.tracer = t
		}
	}
}

// New creates a relay publishing to b. Listen may be empty when the server
// is only used through ServeHTTP.
func New(cfg Config, b bus.MessageBus, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		cfg:    cfg,
		bus:    b,
		logger: logging.New().WithComponent(logging.CompRelay),
		tracer: telemetry.GetTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(PathDispatch, s.handleDispatch)
	mux.HandleFunc(PathHealth, s.handleHealth)
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Start listens on cfg.Listen and serves until ctx is cancelled. It returns
// nil on clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("relay_started", map[string]any{"addr": ln.Addr().String()})

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting requests and waits up to 5s for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type okResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	_, span := s.tracer.StartDispatchSpan(r.Context(), requestID)

	status, identity, err := s.dispatch(r, requestID)
	s.tracer.EndDispatchSpan(span, identity, status, err)

	if err != nil {
		if status >= http.StatusInternalServerError {
			s.logger.Error("dispatch_failed", map[string]any{"request_id": requestID, "error": err.Error()})
		} else {
			s.logger.Warn("dispatch_rejected", map[string]any{"request_id": requestID, "status": status, "error": err.Error()})
		}
		writeJSON(w, status, errorResponse{Error: publicMessage(status, err)})
		return
	}
	writeJSON(w, status, okResponse{Status: "ok", RequestID: requestID})
}

// dispatch validates and publishes one request. It never publishes unless
// the secret matched and the body validated.
func (s *Server) dispatch(r *http.Request, requestID string) (int, string, error) {
	if r.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, "", ferrors.InvalidInput("method not allowed")
	}
	if !s.authorized(r.Header.Get(backend.HeaderAPIKey)) {
		return http.StatusForbidden, "", ferrors.RelayAuth()
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		return http.StatusBadRequest, "", ferrors.RelayMalformed("read body", ferrors.WithCause(err))
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		return http.StatusRequestEntityTooLarge, "", ferrors.RelayMalformed("body too large")
	}

	var msg dispatch.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return http.StatusBadRequest, "", ferrors.RelayMalformed("invalid JSON", ferrors.WithCause(err))
	}
	if err := msg.Validate(); err != nil {
		return http.StatusBadRequest, msg.TargetIdentity, err
	}
	msg.RequestID = requestID

	if err := dispatch.Publish(s.bus, msg); err != nil {
		return http.StatusInternalServerError, msg.TargetIdentity, err
	}
	s.logger.Dispatch(requestID, msg.TargetIdentity, msg.ChatID, string(msg.Action()))
	return http.StatusOK, msg.TargetIdentity, nil
}

func (s *Server) authorized(key string) bool {
	if s.cfg.Secret == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Secret)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.status != nil && !s.status.Get() {
		http.Error(w, "degraded", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "operational\n")
}

// publicMessage hides internal causes from the caller.
func publicMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

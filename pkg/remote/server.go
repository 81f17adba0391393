package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/vpsfleet/vpsfleet/pkg/engine"
	"github.com/vpsfleet/vpsfleet/pkg/telemetry"
)

// CommandFunc runs one administrative command.
type CommandFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server accepts remote control connections on a unix socket.
type Server struct {
	socket  string
	version string
	logger  zerolog.Logger

	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	commands map[string]CommandFunc

	wg       sync.WaitGroup
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewServer creates a server listening on socket once Serve is called.
func NewServer(socket, version string, logger zerolog.Logger) *Server {
	return &Server{
		socket:   socket,
		version:  version,
		logger:   logger.With().Str("component", "remote").Logger(),
		commands: make(map[string]CommandFunc),
		conns:    make(map[net.Conn]struct{}),
	}
}

// SetTelemetry enables spans and request metrics. Either may be nil.
func (s *Server) SetTelemetry(tracer *telemetry.Tracer, metrics *telemetry.Metrics) {
	s.tracer = tracer
	s.metrics = metrics
}

// Handle registers a command, replacing an existing one with the same name.
func (s *Server) Handle(name string, fn CommandFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[name] = fn
}

// Commands returns the registered command names, sorted.
func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) command(name string) (CommandFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.commands[name]
	return fn, ok
}

// Listen binds the socket, replacing a stale one.
func (s *Server) Listen() error {
	if err := os.Remove(s.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	l, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, 0o600); err != nil {
		_ = l.Close()
		return fmt.Errorf("failed to restrict socket: %w", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.logger.Info().Str("socket", s.socket).Msg("Remote control listening")
	return nil
}

// Serve accepts connections until ctx is done. Listen is called first if
// it was not.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.RLock()
		l = s.listener
		s.mu.RUnlock()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = l.Close()
		s.closeConns()
	})
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				_ = os.Remove(s.socket)
				return nil
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			continue
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	enc := NewEncoder(conn)
	dec := NewDecoder(conn)

	if err := enc.Encode(&Greeting{Version: s.version}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to greet client")
		return
	}

	for {
		line, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("Connection closed")
			}
			return
		}

		if err := s.reply(ctx, enc, line); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to write response")
			return
		}
	}
}

// reply handles one request line and writes its response.
func (s *Server) reply(ctx context.Context, enc *Encoder, line []byte) error {
	req, err := ParseRequest(line)
	if err != nil {
		s.record("invalid", StatusFailed)
		s.logger.Warn().Err(err).Msg("Malformed request")
		return enc.Failed(ErrSyntax)
	}

	fn, ok := s.command(req.Command)
	if !ok {
		s.record(req.Command, StatusFailed)
		s.logger.Warn().Str("command", req.Command).Msg("Unsupported command")
		return enc.Failed(ErrUnsupported)
	}

	out, err := s.run(ctx, req, fn)
	if err != nil {
		s.record(req.Command, StatusFailed)
		s.logger.Error().Err(err).Str("command", req.Command).Msg("Command failed")
		return enc.Failed(ErrorDetail(err))
	}

	s.record(req.Command, StatusOK)
	s.logger.Info().Str("command", req.Command).Msg("Command executed")
	return enc.OK(out)
}

// run calls fn inside a span and converts a panic into an unexpected
// error.
func (s *Server) run(ctx context.Context, req *Request, fn CommandFunc) (out interface{}, err error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.StartRemoteSpan(ctx, req.Command)
		defer func() {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			err = engine.NewUnexpectedError(fmt.Sprintf("command %s panicked: %v", req.Command, r), nil).
				WithDetail("backtrace", string(debug.Stack()))
		}
	}()

	return fn(ctx, req.Params)
}

func (s *Server) record(command, status string) {
	if s.metrics != nil {
		s.metrics.RecordRemoteRequest(command, status)
	}
}

// ErrorDetail renders an error as the error member of a failed response.
// Command failures carry the command line, exit status and output.
func ErrorDetail(err error) map[string]interface{} {
	var cmdErr *engine.CommandError
	if errors.As(err, &cmdErr) {
		detail := map[string]interface{}{
			"error":      cmdErr.Output,
			"exitstatus": cmdErr.ExitStatus,
		}
		if cmdErr.Cmd != "" {
			detail["cmd"] = cmdErr.Cmd
		}
		return detail
	}

	detail := map[string]interface{}{"error": err.Error()}
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		detail["kind"] = string(engErr.Kind)
		if engErr.Code != "" {
			detail["code"] = engErr.Code
		}
	}
	return detail
}

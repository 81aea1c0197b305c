// Package control implements the local stop/start control surface (spec §6):
// start_bots, stop_bots, emergency_stop, and a status snapshot, carried as
// line-delimited JSON over a Unix domain socket rather than HTTP — HTTP
// itself is the excluded transport, not the operation surface.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"gridmm/internal/supervisor"
)

// Request is one command sent by cmd/gridctl.
type Request struct {
	Cmd     string   `json:"cmd"`
	Symbols []string `json:"symbols,omitempty"`
}

// Response is the daemon's reply to one Request.
type Response struct {
	OK        bool                         `json:"ok"`
	Error     string                       `json:"error,omitempty"`
	Status    map[string]supervisor.Status `json:"status,omitempty"`
	Cancelled map[string]int               `json:"cancelled,omitempty"`
}

// Engine is the daemon-side surface the control server drives. cmd/gridengine
// wires this to its own symbol registry (strategy config, trader, and task
// func per symbol) and the shared Supervisor.
type Engine interface {
	StartSymbol(ctx context.Context, symbol string) error
	StopSymbol(symbol string) error
	EmergencyStop(ctx context.Context) map[string]int
	Status() map[string]supervisor.Status
}

// Server listens on a Unix domain socket and dispatches line-delimited JSON
// Requests to an Engine.
type Server struct {
	path   string
	engine Engine
	log    *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a control Server. path is the Unix socket path to bind.
func NewServer(path string, engine Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{path: path, engine: engine, log: log.With("component", "control")}
}

// Run listens and serves until ctx is cancelled. Removes a stale socket file
// left behind by a prior unclean shutdown before binding.
func (s *Server) Run(ctx context.Context) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("control: accept failed", "error", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(Response{OK: false, Error: err.Error()})
			continue
		}
		_ = enc.Encode(s.dispatch(ctx, req))
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "start":
		for _, sym := range req.Symbols {
			if err := s.engine.StartSymbol(ctx, sym); err != nil {
				return Response{OK: false, Error: err.Error()}
			}
		}
		return Response{OK: true}
	case "stop":
		for _, sym := range req.Symbols {
			if err := s.engine.StopSymbol(sym); err != nil {
				return Response{OK: false, Error: err.Error()}
			}
		}
		return Response{OK: true}
	case "emergency-stop":
		return Response{OK: true, Cancelled: s.engine.EmergencyStop(ctx)}
	case "status":
		return Response{OK: true, Status: s.engine.Status()}
	default:
		return Response{OK: false, Error: fmt.Sprintf("control: unknown command %q", req.Cmd)}
	}
}

// Dial opens a connection to a running daemon's control socket and sends a
// single Request, returning its Response. Used by cmd/gridctl.
func Dial(path string, req Request) (Response, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return Response{}, fmt.Errorf("control: dial %s: %w", path, err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return Response{}, fmt.Errorf("control: write: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("control: read response: %w", err)
	}
	return resp, nil
}

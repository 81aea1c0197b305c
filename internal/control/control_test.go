package control

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gridmm/internal/supervisor"
)

type fakeEngine struct {
	started []string
	stopped []string
	status  map[string]supervisor.Status
	failOn  string
}

func (f *fakeEngine) StartSymbol(ctx context.Context, symbol string) error {
	if symbol == f.failOn {
		return errors.New("boom")
	}
	f.started = append(f.started, symbol)
	return nil
}

func (f *fakeEngine) StopSymbol(symbol string) error {
	f.stopped = append(f.stopped, symbol)
	return nil
}

func (f *fakeEngine) EmergencyStop(ctx context.Context) map[string]int {
	return map[string]int{"BTC-PERP": 4}
}

func (f *fakeEngine) Status() map[string]supervisor.Status {
	return f.status
}

func startTestServer(t *testing.T, engine Engine) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridengine.sock")
	srv := NewServer(path, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = srv.Run(ctx)
	}()
	<-ready
	time.Sleep(20 * time.Millisecond) // let the listener bind before a client dials
	return path
}

func TestDialStartAndStop(t *testing.T) {
	engine := &fakeEngine{}
	path := startTestServer(t, engine)

	resp, err := Dial(path, Request{Cmd: "start", Symbols: []string{"BTC-PERP", "ETH-PERP"}})
	if err != nil {
		t.Fatalf("dial start: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected ok response, got error %q", resp.Error)
	}
	if len(engine.started) != 2 {
		t.Fatalf("expected 2 symbols started, got %d", len(engine.started))
	}

	resp, err = Dial(path, Request{Cmd: "stop", Symbols: []string{"BTC-PERP"}})
	if err != nil {
		t.Fatalf("dial stop: %v", err)
	}
	if !resp.OK || len(engine.stopped) != 1 {
		t.Fatalf("expected stop to succeed, got %+v", resp)
	}
}

func TestDialStartPropagatesEngineError(t *testing.T) {
	engine := &fakeEngine{failOn: "BAD-PERP"}
	path := startTestServer(t, engine)

	resp, err := Dial(path, Request{Cmd: "start", Symbols: []string{"BAD-PERP"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.OK {
		t.Fatal("expected failure response for a symbol the engine rejects")
	}
}

func TestDialEmergencyStop(t *testing.T) {
	engine := &fakeEngine{}
	path := startTestServer(t, engine)

	resp, err := Dial(path, Request{Cmd: "emergency-stop"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if !resp.OK || resp.Cancelled["BTC-PERP"] != 4 {
		t.Fatalf("expected emergency-stop cancel counts, got %+v", resp)
	}
}

func TestDialStatus(t *testing.T) {
	engine := &fakeEngine{status: map[string]supervisor.Status{
		"BTC-PERP": {Symbol: "BTC-PERP", Running: true},
	}}
	path := startTestServer(t, engine)

	resp, err := Dial(path, Request{Cmd: "status"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	st, ok := resp.Status["BTC-PERP"]
	if !ok || !st.Running {
		t.Fatalf("expected BTC-PERP status running, got %+v", resp.Status)
	}
}

func TestDialUnknownCommand(t *testing.T) {
	path := startTestServer(t, &fakeEngine{})

	resp, err := Dial(path, Request{Cmd: "nope"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.OK {
		t.Fatal("expected unknown command to fail")
	}
	if resp.Error == "" {
		t.Fatal("expected an error message for an unknown command")
	}
}

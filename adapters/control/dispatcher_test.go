package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

func TestDispatcher_NoActuationMethods(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	d := NewDispatcher(Config{
		FritzBox: entities.ConnectionConfig{Host: server.URL, Password: "x"},
		MikroTik: entities.ConnectionConfig{Host: server.URL, User: "x", Password: "x"},
	}, zaptest.NewLogger(t))

	for _, method := range []entities.ControlMethod{entities.ControlScheduleOnly, entities.ControlNone, "zigbee"} {
		t.Run(string(method), func(t *testing.T) {
			target := repositories.ControlTarget{Category: entities.CategoryTV, Method: method, Identifier: "tv"}
			if d.Enable(context.Background(), target) {
				t.Error("Expected enable to report false")
			}
			if d.Disable(context.Background(), target) {
				t.Error("Expected disable to report false")
			}
			if d.Status(context.Background(), target) {
				t.Error("Expected status to report false")
			}
		})
	}
	if hits.Load() != 0 {
		t.Errorf("Expected no network calls, got %d", hits.Load())
	}
}

func TestDispatcher_RoutesToAdapter(t *testing.T) {
	fake := newFakeRouter()
	server := httptest.NewServer(fake)
	defer server.Close()

	d := NewDispatcher(Config{
		MikroTik: entities.ConnectionConfig{Host: server.URL, User: "api", Password: "secret"},
	}, zaptest.NewLogger(t))

	if !d.Enable(context.Background(), routerTarget("Kids Tablet")) {
		t.Fatal("Expected mikrotik enable to succeed")
	}
	if got := fake.disabled("*1"); got != "true" {
		t.Errorf("Expected entry to be disabled, got %q", got)
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	d := NewDispatcher(Config{
		Timeout:  50 * time.Millisecond,
		MikroTik: entities.ConnectionConfig{Host: server.URL, User: "api", Password: "secret"},
	}, zaptest.NewLogger(t))

	start := time.Now()
	if d.Enable(context.Background(), routerTarget("Kids Tablet")) {
		t.Error("Expected hanging router to fail")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected call to give up quickly, took %v", elapsed)
	}
}

func TestDispatcher_MockMode(t *testing.T) {
	d := NewDispatcher(Config{Mock: true}, zaptest.NewLogger(t))
	ctx := context.Background()

	tv := repositories.ControlTarget{Category: entities.CategoryTV, Method: entities.ControlFritzBox, Identifier: "tv"}
	console := repositories.ControlTarget{Category: entities.CategoryConsole, Method: entities.ControlNintendo, Allowance: time.Hour}

	if !d.Enable(ctx, tv) || !d.Status(ctx, tv) {
		t.Error("Expected simulated tv to unlock")
	}
	if !d.Enable(ctx, console) {
		t.Error("Expected simulated console to unlock")
	}
	state := d.Simulator().Snapshot()
	if !state.TVUnlocked || state.ConsoleMinutes != 60 || !state.ConsoleUnlocked {
		t.Errorf("Unexpected simulator state: %+v", state)
	}
	if !d.Disable(ctx, console) || d.Status(ctx, console) {
		t.Error("Expected simulated console to lock")
	}

	none := repositories.ControlTarget{Category: entities.CategoryTV, Method: entities.ControlNone}
	if d.Enable(ctx, none) {
		t.Error("Expected method none to stay unactuated in mock mode")
	}
	if len(d.Simulator().Snapshot().Log) != 3 {
		t.Errorf("Expected 3 log entries, got %d", len(d.Simulator().Snapshot().Log))
	}
}

func TestSimulator_LogIsBounded(t *testing.T) {
	sim := NewSimulator(nil, zaptest.NewLogger(t))
	tv := repositories.ControlTarget{Category: entities.CategoryTV}
	for i := 0; i < 30; i++ {
		sim.Enable(context.Background(), tv)
	}
	sim.Disable(context.Background(), tv)

	state := sim.Snapshot()
	if len(state.Log) != simulatorLogSize {
		t.Errorf("Expected %d log entries, got %d", simulatorLogSize, len(state.Log))
	}
	if state.Log[0].Message != "tv locked" {
		t.Errorf("Expected newest entry first, got %q", state.Log[0].Message)
	}
}

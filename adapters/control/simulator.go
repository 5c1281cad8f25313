package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

const simulatorLogSize = 20

// SimulatorEvent is one recorded simulated action.
type SimulatorEvent struct {
	Time    string `json:"time"`
	Message string `json:"msg"`
}

// SimulatorState is a snapshot of the simulated hardware.
type SimulatorState struct {
	TVUnlocked      bool             `json:"tv_unlocked"`
	ConsoleMinutes  int              `json:"console_minutes"`
	ConsoleUnlocked bool             `json:"console_unlocked"`
	Log             []SimulatorEvent `json:"log"`
}

// Simulator stands in for every protocol when hardware is mocked. It
// keeps one television and one console.
type Simulator struct {
	mu             sync.Mutex
	tvUnlocked     bool
	consoleMinutes int
	log            []SimulatorEvent
	now            func() time.Time
	logger         *zap.Logger
}

var _ repositories.DeviceController = (*Simulator)(nil)

// NewSimulator creates a simulator with everything locked.
func NewSimulator(now func() time.Time, logger *zap.Logger) *Simulator {
	if now == nil {
		now = time.Now
	}
	return &Simulator{now: now, logger: logger.With(zap.String("adapter", "simulator"))}
}

func (s *Simulator) record(msg string) {
	event := SimulatorEvent{Time: s.now().Format("15:04:05"), Message: msg}
	s.log = append([]SimulatorEvent{event}, s.log...)
	if len(s.log) > simulatorLogSize {
		s.log = s.log[:simulatorLogSize]
	}
	s.logger.Info("Simulated device action", zap.String("action", msg))
}

func (s *Simulator) Enable(_ context.Context, target repositories.ControlTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target.Category == entities.CategoryConsole {
		minutes := int(target.Allowance / time.Minute)
		if minutes < 1 {
			minutes = entities.CoinDurationMinutes
		}
		s.consoleMinutes = minutes
		s.record(fmt.Sprintf("console unlocked for %d minutes", minutes))
		return true
	}
	s.tvUnlocked = true
	s.record("tv unlocked")
	return true
}

func (s *Simulator) Disable(_ context.Context, target repositories.ControlTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target.Category == entities.CategoryConsole {
		s.consoleMinutes = 0
		s.record("console locked")
		return true
	}
	s.tvUnlocked = false
	s.record("tv locked")
	return true
}

func (s *Simulator) Status(_ context.Context, target repositories.ControlTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target.Category == entities.CategoryConsole {
		return s.consoleMinutes > 0
	}
	return s.tvUnlocked
}

// Snapshot returns the current simulated state, newest log entry first.
func (s *Simulator) Snapshot() SimulatorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SimulatorState{
		TVUnlocked:      s.tvUnlocked,
		ConsoleMinutes:  s.consoleMinutes,
		ConsoleUnlocked: s.consoleMinutes > 0,
		Log:             append([]SimulatorEvent{}, s.log...),
	}
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/valet-ai/valet/internal/bus"
)

// Supervisor watches the fault stream and re-attaches a failed stream's
// handler, bounded per stream so a deterministic crash cannot restart
// forever.
type Supervisor struct {
	bus         *bus.Bus
	handlers    map[bus.Kind]bus.Handler
	maxRestarts int
	logger      *slog.Logger

	mu       sync.Mutex
	restarts map[bus.Kind]int
}

// NewSupervisor creates a supervisor over handlers. maxRestarts bounds
// recoveries per kind for the process lifetime.
func NewSupervisor(b *bus.Bus, handlers map[bus.Kind]bus.Handler, maxRestarts int, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRestarts <= 0 {
		maxRestarts = 3
	}
	return &Supervisor{
		bus:         b,
		handlers:    handlers,
		maxRestarts: maxRestarts,
		logger:      logger,
		restarts:    make(map[bus.Kind]int),
	}
}

// Start subscribes the supervisor to the fault stream.
func (s *Supervisor) Start() {
	s.bus.On(bus.KindFault, s.onFault)
}

func (s *Supervisor) onFault(_ context.Context, ev bus.Event) error {
	f, ok := ev.(*bus.Fault)
	if !ok {
		return fmt.Errorf("unexpected payload %T on %s", ev, ev.Kind())
	}

	handler, watched := s.handlers[f.Origin]
	if !watched {
		return nil
	}

	s.mu.Lock()
	s.restarts[f.Origin]++
	n := s.restarts[f.Origin]
	s.mu.Unlock()

	if n > s.maxRestarts {
		s.logger.Error("restart budget exhausted, stream left as-is",
			slog.String("origin", string(f.Origin)),
			slog.Int("restarts", s.maxRestarts),
			slog.Any("error", f.Err))
		return nil
	}

	// Detach first so the restart never doubles up listeners.
	s.bus.RemoveAll(f.Origin)
	s.bus.On(f.Origin, handler)

	s.logger.Warn("stream restarted after fault",
		slog.String("origin", string(f.Origin)),
		slog.Int("restart", n),
		slog.Any("error", f.Err))
	return nil
}

// Restarts reports how many times one stream has been restarted.
func (s *Supervisor) Restarts(kind bus.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts[kind]
}

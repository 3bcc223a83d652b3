package tracking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/chachabrian/mooveit-tanker/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu    sync.Mutex
	pings []models.LocationPing
	fail  bool
}

func (s *recordingSink) SendLocationUpdate(ctx context.Context, tripID string, ping models.LocationPing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("trip service unreachable")
	}
	s.pings = append(s.pings, ping)
	return nil
}

func (s *recordingSink) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pings)
}

// countingRegistry counts registrations on top of a ProcessRegistry.
type countingRegistry struct {
	*ProcessRegistry
	mu           sync.Mutex
	registered   int
	unregistered int
}

func newCountingRegistry() *countingRegistry {
	return &countingRegistry{ProcessRegistry: NewProcessRegistry()}
}

func (c *countingRegistry) Register(name string) error {
	c.mu.Lock()
	c.registered++
	c.mu.Unlock()
	return c.ProcessRegistry.Register(name)
}

func (c *countingRegistry) Unregister(name string) error {
	c.mu.Lock()
	c.unregistered++
	c.mu.Unlock()
	return c.ProcessRegistry.Unregister(name)
}

func (c *countingRegistry) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered, c.unregistered
}

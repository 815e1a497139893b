package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/agent/discovery"
)

var (
	// ErrQueueFull is returned when the booking queue has no room.
	ErrQueueFull = errors.New("booking queue is full")
	// ErrBeyondHorizon is returned when the earliest window ends past the horizon.
	ErrBeyondHorizon = errors.New("window exceeds booking horizon")
)

// Scheduler decides the earliest feasible window of an offer. It gates
// feasibility only; execution order is decided elsewhere.
type Scheduler interface {
	// Reserve books the earliest window starting no sooner than notBefore.
	Reserve(ctx context.Context, instanceID string, notBefore time.Time, setup, cycle time.Duration) (capability.Window, error)

	// Release drops a reservation.
	Release(instanceID string)
}

// SlotSchedulerConfig tunes a SlotScheduler.
type SlotSchedulerConfig struct {
	Horizon      time.Duration `json:"horizon" yaml:"horizon"`
	MaxQueue     int           `json:"max_queue" yaml:"max_queue"`
	DefaultCycle time.Duration `json:"default_cycle" yaml:"default_cycle"`
}

// DefaultSlotSchedulerConfig returns the default booking limits.
func DefaultSlotSchedulerConfig() SlotSchedulerConfig {
	return SlotSchedulerConfig{
		Horizon:      8 * time.Hour,
		MaxQueue:     32,
		DefaultCycle: time.Minute,
	}
}

type reservation struct {
	id     string
	window capability.Window
}

// SlotScheduler books sequential windows on one station.
type SlotScheduler struct {
	config SlotSchedulerConfig
	clock  discovery.Clock

	mu     sync.Mutex
	booked []reservation
}

// NewSlotScheduler creates a scheduler. A nil clock uses the wall clock.
func NewSlotScheduler(config SlotSchedulerConfig, clock discovery.Clock) *SlotScheduler {
	def := DefaultSlotSchedulerConfig()
	if config.Horizon <= 0 {
		config.Horizon = def.Horizon
	}
	if config.MaxQueue <= 0 {
		config.MaxQueue = def.MaxQueue
	}
	if config.DefaultCycle <= 0 {
		config.DefaultCycle = def.DefaultCycle
	}
	if clock == nil {
		clock = discovery.SystemClock{}
	}
	return &SlotScheduler{config: config, clock: clock}
}

// Reserve implements Scheduler.
func (s *SlotScheduler) Reserve(ctx context.Context, instanceID string, notBefore time.Time, setup, cycle time.Duration) (capability.Window, error) {
	if err := ctx.Err(); err != nil {
		return capability.Window{}, err
	}
	if setup < 0 {
		setup = 0
	}
	if cycle <= 0 {
		cycle = s.config.DefaultCycle
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire(now)
	if len(s.booked) >= s.config.MaxQueue {
		return capability.Window{}, fmt.Errorf("%w: %d reservations", ErrQueueFull, len(s.booked))
	}

	start := now
	if notBefore.After(start) {
		start = notBefore
	}
	if n := len(s.booked); n > 0 && s.booked[n-1].window.End.After(start) {
		start = s.booked[n-1].window.End
	}
	end := start.Add(setup + cycle)
	if end.Sub(now) > s.config.Horizon {
		return capability.Window{}, fmt.Errorf("%w: ends %s after now", ErrBeyondHorizon, end.Sub(now))
	}

	w := capability.Window{Start: start, End: end, SetupDuration: setup, CycleDuration: cycle}
	s.booked = append(s.booked, reservation{id: instanceID, window: w})
	sort.SliceStable(s.booked, func(i, j int) bool {
		return s.booked[i].window.End.Before(s.booked[j].window.End)
	})
	return w, nil
}

// Release implements Scheduler.
func (s *SlotScheduler) Release(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.booked {
		if r.id == instanceID {
			s.booked = append(s.booked[:i], s.booked[i+1:]...)
			return
		}
	}
}

// Len returns the number of live reservations.
func (s *SlotScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(s.clock.Now())
	return len(s.booked)
}

func (s *SlotScheduler) expire(now time.Time) {
	kept := s.booked[:0]
	for _, r := range s.booked {
		if r.window.End.After(now) {
			kept = append(kept, r)
		}
	}
	s.booked = kept
}

var _ Scheduler = (*SlotScheduler)(nil)

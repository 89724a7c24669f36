package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"github.com/signalsfoundry/rail-simulator/timectrl"
)

// Station is a stop with a fixed number of platforms. It counts occupants
// rather than tracking which train holds which platform.
type Station struct {
	Name string

	capacity int
	permits  chan struct{}

	mu       sync.Mutex
	occupied int

	observer ResourceObserver
	clock    timectrl.Clock
	log      logging.Logger
}

// NewStation constructs an empty station with the given platform count.
func NewStation(name string, platforms int, opts ...Option) (*Station, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if platforms < 1 {
		return nil, fmt.Errorf("station %q has %d platforms: %w", name, platforms, ErrInvalidCapacity)
	}
	o := buildOptions(opts)
	st := &Station{
		Name:     name,
		capacity: platforms,
		permits:  make(chan struct{}, platforms),
		observer: o.observer,
		clock:    o.clock,
		log:      o.log,
	}
	for i := 0; i < platforms; i++ {
		st.permits <- struct{}{}
	}
	return st, nil
}

// Capacity returns the platform count.
func (st *Station) Capacity() int { return st.capacity }

// Occupied returns the number of trains currently at the station.
func (st *Station) Occupied() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.occupied
}

// Arrive blocks until a platform permit is available, then occupies it. The
// only failure is ctx being cancelled while waiting.
func (st *Station) Arrive(ctx context.Context, agentID string) error {
	select {
	case <-st.permits:
	default:
		st.loggerFor(ctx).Info(ctx, "station full",
			logging.String("train", agentID),
			logging.String("station", st.Name),
			logging.Int("capacity", st.capacity),
		)
		select {
		case <-st.permits:
		case <-ctx.Done():
			return fmt.Errorf("arrive at %s: %w", st.Name, ctx.Err())
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.occupied++
	st.loggerFor(ctx).Info(ctx, "station arrive",
		logging.String("train", agentID),
		logging.String("station", st.Name),
		logging.Int("occupied", st.occupied),
		logging.Int("capacity", st.capacity),
	)
	st.observer.StationArrived(st.Name, agentID, st.occupied, st.capacity)
	return nil
}

// Depart frees one platform and returns its permit, unblocking at most one
// waiter. It does not check that agentID actually arrived. A depart from an
// empty station is logged and otherwise ignored so the count never goes
// negative.
func (st *Station) Depart(ctx context.Context, agentID string) {
	st.mu.Lock()
	if st.occupied == 0 {
		st.mu.Unlock()
		st.loggerFor(ctx).Warn(ctx, "station depart while empty",
			logging.String("train", agentID),
			logging.String("station", st.Name),
		)
		return
	}
	st.occupied--
	st.loggerFor(ctx).Info(ctx, "station depart",
		logging.String("train", agentID),
		logging.String("station", st.Name),
		logging.Int("occupied", st.occupied),
		logging.Int("capacity", st.capacity),
	)
	st.observer.StationDeparted(st.Name, agentID, st.occupied, st.capacity)
	st.mu.Unlock()

	// occupied + held permits never exceeds capacity, so there is room.
	st.permits <- struct{}{}
}

func (st *Station) loggerFor(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return st.log
}

func (st *Station) String() string {
	return fmt.Sprintf("%s[%d]", st.Name, st.capacity)
}

// Package position provides PositionSource implementations for the CLI.
// Real devices feed the reporter from a platform location service; here a
// random walk stands in for it during development.
package position

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/bwise1/groupbeacon/internal/reporter"
)

// Simulated is a random-walk position source around a start coordinate.
type Simulated struct {
	Lat      float64
	Lng      float64
	StepDeg  float64       // max per-tick movement in degrees
	Interval time.Duration // tick interval
	Denied   bool          // simulate a permission refusal
}

// NewSimulated returns a walk around the given start point with sane
// defaults (~8s ticks, steps of a few meters).
func NewSimulated(lat, lng float64) *Simulated {
	return &Simulated{
		Lat:      lat,
		Lng:      lng,
		StepDeg:  0.0001,
		Interval: 8 * time.Second,
	}
}

// RequestPermission honors the Denied flag.
func (s *Simulated) RequestPermission(ctx context.Context) error {
	if s.Denied {
		return reporter.ErrPermissionDenied
	}
	return nil
}

type subscription struct {
	once sync.Once
	stop chan struct{}
}

func (s *subscription) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Watch starts the walk, invoking fn on every tick until Stop.
func (s *Simulated) Watch(ctx context.Context, fn func(reporter.Position)) (reporter.Subscription, error) {
	sub := &subscription{stop: make(chan struct{})}
	lat, lng := s.Lat, s.Lng

	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.stop:
				return
			case <-ticker.C:
				lat += (rand.Float64()*2 - 1) * s.StepDeg
				lng += (rand.Float64()*2 - 1) * s.StepDeg
				fn(reporter.Position{
					Lat:       lat,
					Lng:       lng,
					Timestamp: time.Now().UnixMilli(),
				})
			}
		}
	}()
	return sub, nil
}

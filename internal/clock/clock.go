// Package clock abstracts time for services that must be testable with a
// controllable clock, in particular the scheduled rollout worker.
package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock returns the current time. Implementations must return UTC.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock { return systemClock{} }

// Module provides the system clock.
var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)

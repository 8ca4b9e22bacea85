// Package geofence consumes admitted fixes and emits zone entry/exit
// events. The ingestion pipeline forwards every admitted fix here and never
// inspects the output.
package geofence

import (
	"github.com/fixrelay/fixrelay/pkg/fix"
	"github.com/fixrelay/fixrelay/pkg/logx"
)

// Evaluator receives every admitted fix
type Evaluator interface {
	ProcessLocation(f fix.Fix)
}

// Zone is a circular safe zone
type Zone struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	RadiusM   float64 `json:"radius_m"`
}

// Event reports a zone boundary crossing
type Event struct {
	Zone    string  `json:"zone"`
	Entered bool    `json:"entered"`
	Fix     fix.Fix `json:"fix"`
}

// CircleEvaluator tracks containment in a set of circular zones
type CircleEvaluator struct {
	zones   []Zone
	logger  *logx.Logger
	onEvent func(Event)

	inside map[string]bool
}

// NewCircleEvaluator creates an evaluator over the given zones. onEvent may
// be nil; crossings are always logged.
func NewCircleEvaluator(zones []Zone, logger *logx.Logger, onEvent func(Event)) *CircleEvaluator {
	return &CircleEvaluator{
		zones:   zones,
		logger:  logger,
		onEvent: onEvent,
		inside:  make(map[string]bool, len(zones)),
	}
}

// ProcessLocation evaluates the fix against every zone
func (e *CircleEvaluator) ProcessLocation(f fix.Fix) {
	for _, z := range e.zones {
		in := fix.Distance(f.Latitude, f.Longitude, z.Latitude, z.Longitude) <= z.RadiusM
		was := e.inside[z.Name]
		if in == was {
			continue
		}
		e.inside[z.Name] = in
		e.logger.Info("zone boundary crossed", "zone", z.Name, "entered", in, "seq", f.Sequence)
		if e.onEvent != nil {
			e.onEvent(Event{Zone: z.Name, Entered: in, Fix: f})
		}
	}
}

// Noop is an Evaluator that does nothing; used when no zones are configured
type Noop struct{}

// ProcessLocation discards the fix
func (Noop) ProcessLocation(fix.Fix) {}

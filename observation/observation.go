// Package observation captures pattern observations from a live robot, persists them, and
// replays persisted sessions.
package observation

import (
	"time"

	"github.com/golang/geo/r2"

	"go.viam.com/chaincal/actuation"
	"go.viam.com/chaincal/spatialmath"
)

// Observation is one pattern detection together with the frame graph transforms captured at the
// same moment. It is not modified after creation.
type Observation struct {
	// Index is the position of the robot configuration in the capture plan.
	Index int `json:"index"`
	// Corners is empty when the pattern was not detected.
	Corners []r2.Point `json:"corners"`
	// Transforms are keyed "parent->child".
	Transforms    map[string]spatialmath.Transform `json:"transforms"`
	Timestamp     time.Time                        `json:"timestamp"`
	ImageWidth    int                              `json:"image_width"`
	ImageHeight   int                              `json:"image_height"`
	Configuration actuation.Configuration          `json:"configuration"`
}

// Transform returns the captured transform for a segment key.
func (o *Observation) Transform(key string) (spatialmath.Transform, bool) {
	t, ok := o.Transforms[key]
	return t, ok
}

// CaptureResult is the outcome of a capture or replay run.
type CaptureResult struct {
	Observations []*Observation
	// Captured counts the observations kept, Skipped the configurations or records dropped.
	Captured int
	Skipped  int
	// Interrupted is set when the run stopped early because its context ended.
	Interrupted bool
}

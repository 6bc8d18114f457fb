// Package validator guards base motion by checking that a tracked reference frame stays where
// recent history says it should be.
package validator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"go.viam.com/chaincal/framegraph"
	"go.viam.com/chaincal/logging"
	"go.viam.com/chaincal/spatialmath"
)

// Defaults for a ReferenceFrameValidator.
const (
	DefaultHistorySize       = 10
	DefaultRelativeThreshold = 0.1
)

// History is a fixed capacity ring of samples. The average covers only the filled slots.
type History struct {
	samples []float64
	next    int
	filled  int
}

// NewHistory creates a ring of the given capacity.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{samples: make([]float64, capacity)}
}

// Add stores a sample, overwriting the oldest one once the ring is full.
func (h *History) Add(v float64) {
	h.samples[h.next] = v
	h.next = (h.next + 1) % len(h.samples)
	if h.filled < len(h.samples) {
		h.filled++
	}
}

// Len is the number of filled slots.
func (h *History) Len() int {
	return h.filled
}

// Capacity is the size of the ring.
func (h *History) Capacity() int {
	return len(h.samples)
}

// Average is the mean of the filled slots, or 0 when empty.
func (h *History) Average() float64 {
	if h.filled == 0 {
		return 0
	}
	mean, err := stats.Mean(h.samples[:h.filled])
	if err != nil {
		return 0
	}
	return mean
}

// Config holds the thresholds of a ReferenceFrameValidator. When neither threshold is set the
// relative threshold takes DefaultRelativeThreshold, otherwise a threshold of zero or less is
// disabled.
type Config struct {
	HistorySize       int     `json:"history_size,omitempty"`
	RelativeThreshold float64 `json:"relative_threshold,omitempty"`
	AbsoluteThreshold float64 `json:"absolute_threshold,omitempty"`
}

// ReferenceFrameValidator tracks the squared distance to a reference frame and flags samples that
// deviate from the running average.
type ReferenceFrameValidator struct {
	mu      sync.Mutex
	cfg     Config
	history *History
	logger  logging.Logger
}

// New creates a validator. A zero HistorySize takes the default.
func New(cfg Config, logger logging.Logger) *ReferenceFrameValidator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.RelativeThreshold == 0 && cfg.AbsoluteThreshold == 0 {
		cfg.RelativeThreshold = DefaultRelativeThreshold
	}
	return &ReferenceFrameValidator{cfg: cfg, history: NewHistory(cfg.HistorySize), logger: logger}
}

// Observe records the squared translation length of t and reports whether it agrees with the
// running average. The sample is stored even when it is rejected.
func (v *ReferenceFrameValidator) Observe(t spatialmath.Transform) bool {
	d2 := t.Point().Norm2()

	v.mu.Lock()
	defer v.mu.Unlock()
	v.history.Add(d2)
	avg := v.history.Average()
	deviation := math.Abs(d2 - avg)

	if v.cfg.AbsoluteThreshold > 0 && deviation > v.cfg.AbsoluteThreshold {
		v.logger.Warnw("reference frame deviates from history", "squared_distance", d2, "average", avg)
		return false
	}
	if v.cfg.RelativeThreshold > 0 && deviation > v.cfg.RelativeThreshold*avg {
		v.logger.Warnw("reference frame deviates from history", "squared_distance", d2, "average", avg)
		return false
	}
	return true
}

// HistoryLen is the number of samples currently held.
func (v *ReferenceFrameValidator) HistoryLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.history.Len()
}

// CheckFrame looks up the reference frame and observes it.
func (v *ReferenceFrameValidator) CheckFrame(ctx context.Context, frames framegraph.Lookup, parent, child string) (bool, error) {
	t, err := frames.LookupTransform(ctx, parent, child, time.Time{})
	if err != nil {
		return false, err
	}
	return v.Observe(t), nil
}

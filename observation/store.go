package observation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/chaincal/actuation"
	"go.viam.com/chaincal/config"
	"go.viam.com/chaincal/detection"
	"go.viam.com/chaincal/framegraph"
	"go.viam.com/chaincal/logging"
	"go.viam.com/chaincal/pattern"
	"go.viam.com/chaincal/sensor"
	"go.viam.com/chaincal/spatialmath"
	"go.viam.com/chaincal/utils"
	"go.viam.com/chaincal/validator"
)

// ErrNoObservations is returned when a run collected no valid observation at all.
var ErrNoObservations = errors.New("no valid observations were collected")

const (
	recordPrefix = "observation_"
	recordExt    = ".json"
	imageExt     = ".png"
)

// Options configures what a Store captures and how long it waits.
type Options struct {
	Pattern pattern.Checkerboard
	// Measured are the "parent->child" segments looked up at each capture.
	Measured []string

	Settle      time.Duration
	Staleness   time.Duration
	MoveTimeout time.Duration
	Tolerance   float64

	// ReferenceParent and ReferenceChild name the frame checked before each base move.
	ReferenceParent string
	ReferenceChild  string

	SaveImages bool
}

// OptionsFromConfig derives store options from a session config.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Pattern:     cfg.Pattern,
		Measured:    cfg.Loop.MeasuredSegments(cfg.Links),
		Settle:      cfg.Camera.Settle(),
		Staleness:   cfg.Camera.Staleness(),
		MoveTimeout: cfg.MoveTimeout(),
		Tolerance:   cfg.Tolerance(),
		SaveImages:  true,
	}
	if rf := cfg.ReferenceFrame; rf != nil {
		opts.ReferenceParent = rf.Parent
		opts.ReferenceChild = rf.Child
	}
	return opts
}

// Rig bundles the live collaborators a capture run drives.
type Rig struct {
	Robot    actuation.Interface
	Camera   sensor.Camera
	Detector detection.Detector
	Frames   framegraph.Lookup
	// Validator is optional. When set, base moves are skipped while the reference frame is unsafe.
	Validator *validator.ReferenceFrameValidator
	Clock     clock.Clock
}

// Store reads and writes the observations of one session directory.
type Store struct {
	dir    string
	opts   Options
	logger logging.Logger
}

// NewStore creates the session directory if needed.
func NewStore(dir string, opts Options, logger logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "cannot create observation storage %s", dir)
	}
	return &Store{dir: dir, opts: opts, logger: logger}, nil
}

// Dir is the session directory.
func (s *Store) Dir() string {
	return s.dir
}

// Capture visits every configuration of plan, capturing and persisting one observation per
// configuration, keyed by the configuration's position in plan. Records of earlier runs are
// removed first. A configuration where the pattern is not detected is persisted as a
// marker-absent record and skipped, other failures of a single configuration are only logged.
func (s *Store) Capture(ctx context.Context, rig Rig, plan []actuation.Configuration) (*CaptureResult, error) {
	if rig.Clock == nil {
		rig.Clock = clock.New()
	}
	if err := s.clearRecords(); err != nil {
		return nil, err
	}
	result := &CaptureResult{}
	for i, conf := range plan {
		if ctx.Err() != nil {
			result.Interrupted = true
			break
		}
		obs, err := s.captureOne(ctx, rig, conf, i)
		if err != nil {
			if ctx.Err() != nil {
				result.Interrupted = true
				break
			}
			s.logger.Warnw("skipping configuration", "index", i, "error", err)
			result.Skipped++
			continue
		}
		result.Observations = append(result.Observations, obs)
		result.Captured++
		s.logger.Infow("captured observation", "index", obs.Index, "configuration", i)
	}
	if result.Interrupted {
		s.logger.Infow("capture interrupted", "captured", result.Captured, "remaining", len(plan)-result.Captured-result.Skipped)
	}
	if len(result.Observations) == 0 {
		return result, ErrNoObservations
	}
	return result, nil
}

func (s *Store) captureOne(ctx context.Context, rig Rig, conf actuation.Configuration, index int) (*Observation, error) {
	if err := s.moveTo(ctx, rig, conf); err != nil {
		return nil, err
	}

	frame, err := sensor.AcquireFresh(ctx, rig.Camera, rig.Clock, s.opts.Settle, s.opts.Staleness)
	if err != nil {
		return nil, err
	}
	corners, detectErr := detection.DetectChecked(ctx, rig.Detector, frame.Image, s.opts.Pattern.Rows, s.opts.Pattern.Cols)
	if detectErr != nil && !errors.Is(detectErr, detection.ErrPatternNotFound) {
		return nil, detectErr
	}

	obs := &Observation{
		Index:         index,
		Corners:       corners,
		Transforms:    map[string]spatialmath.Transform{},
		Timestamp:     frame.Timestamp,
		Configuration: conf,
	}
	if frame.Image != nil {
		bounds := frame.Image.Bounds()
		obs.ImageWidth, obs.ImageHeight = bounds.Dx(), bounds.Dy()
	}
	for _, seg := range s.opts.Measured {
		parent, child, err := config.ParseSegment(seg)
		if err != nil {
			return nil, err
		}
		t, err := rig.Frames.LookupTransform(ctx, parent, child, frame.Timestamp)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot look up %s", seg)
		}
		obs.Transforms[seg] = t
	}

	var img image.Image
	if s.opts.SaveImages {
		img = frame.Image
	}
	if err := s.Save(obs, img); err != nil {
		s.logger.Errorw("failed to persist observation", "index", index, "error", err)
	}
	if detectErr != nil {
		return nil, errors.Wrap(detectErr, "marker absent")
	}
	return obs, nil
}

// clearRecords removes the records and frames of an earlier run so that a replay of this
// directory only sees the current one.
func (s *Store) clearRecords() error {
	var stale []string
	for _, ext := range []string{recordExt, imageExt} {
		matches, err := filepath.Glob(filepath.Join(s.dir, recordPrefix+"*"+ext))
		if err != nil {
			return err
		}
		stale = append(stale, matches...)
	}
	var err error
	for _, path := range stale {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierr.Append(err, rmErr)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "cannot clear earlier observations in %s", s.dir)
	}
	if len(stale) > 0 {
		s.logger.Infow("removed observations of an earlier run", "files", len(stale))
	}
	return nil
}

// moveTo commands every mechanism the configuration names. Not reaching a target in time is only
// a warning.
func (s *Store) moveTo(ctx context.Context, rig Rig, conf actuation.Configuration) error {
	if len(conf.Base) > 0 {
		if rig.Validator != nil && s.opts.ReferenceParent != "" {
			ok, err := rig.Validator.CheckFrame(ctx, rig.Frames, s.opts.ReferenceParent, s.opts.ReferenceChild)
			if err != nil {
				return errors.Wrap(err, "cannot check reference frame")
			}
			if !ok {
				return errors.New("reference frame is unsafe, not moving the base")
			}
		}
		if err := rig.Robot.MoveBase(ctx, conf.Base); err != nil {
			return errors.Wrap(err, "base move failed")
		}
	}
	if len(conf.Camera) > 0 {
		if err := rig.Robot.MoveCamera(ctx, conf.Camera); err != nil {
			return errors.Wrap(err, "camera move failed")
		}
		if err := s.wait(ctx, rig, rig.Robot.CurrentCameraState, conf.Camera, "camera"); err != nil {
			return err
		}
	}
	if len(conf.Arm) > 0 {
		if err := rig.Robot.MoveArm(ctx, conf.Arm); err != nil {
			return errors.Wrap(err, "arm move failed")
		}
		if err := s.wait(ctx, rig, rig.Robot.CurrentArmState, conf.Arm, "arm"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) wait(ctx context.Context, rig Rig, read actuation.StateReader, target []float64, mechanism string) error {
	err := actuation.WaitForState(ctx, rig.Clock, read, target, s.opts.Tolerance, s.opts.MoveTimeout)
	if errors.Is(err, actuation.ErrTargetNotReached) {
		s.logger.Warnw("target not reached, capturing anyway", "mechanism", mechanism, "error", err)
		return nil
	}
	return err
}

// Replay loads the records 0..n-1, or every record on disk when n <= 0. Absent, malformed and
// marker-absent records are skipped.
func (s *Store) Replay(ctx context.Context, n int) (*CaptureResult, error) {
	var indices []int
	if n > 0 {
		for i := 0; i < n; i++ {
			indices = append(indices, i)
		}
	} else {
		var err error
		if indices, err = s.Indices(); err != nil {
			return nil, err
		}
	}

	result := &CaptureResult{}
	for _, idx := range indices {
		if ctx.Err() != nil {
			result.Interrupted = true
			break
		}
		obs, err := s.Load(idx)
		if err != nil {
			s.logger.Warnw("skipping observation record", "index", idx, "error", err)
			result.Skipped++
			continue
		}
		if err := detection.Check(obs.Corners, s.opts.Pattern.Rows, s.opts.Pattern.Cols); err != nil {
			s.logger.Warnw("skipping observation record", "index", idx, "error", err)
			result.Skipped++
			continue
		}
		result.Observations = append(result.Observations, obs)
		result.Captured++
	}
	s.logger.Infow("replayed observations", "loaded", result.Captured, "skipped", result.Skipped)
	if len(result.Observations) == 0 {
		return result, ErrNoObservations
	}
	return result, nil
}

// Indices lists the record indices present on disk in ascending order.
func (s *Store) Indices() ([]int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, recordPrefix+"*"+recordExt))
	if err != nil {
		return nil, err
	}
	indices := make([]int, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), recordPrefix), recordExt)
		idx, err := strconv.Atoi(name)
		if err != nil || idx < 0 {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices, nil
}

// RecordPath is the path of the record with the given index.
func (s *Store) RecordPath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d%s", recordPrefix, index, recordExt))
}

// ImagePath is the path of the frame saved with the record of the given index.
func (s *Store) ImagePath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d%s", recordPrefix, index, imageExt))
}

// Save writes the record and, if img is not nil, its frame. Both files are replaced atomically.
func (s *Store) Save(obs *Observation, img image.Image) error {
	data, err := json.MarshalIndent(obs, "", "  ")
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(s.RecordPath(obs.Index), data, 0o640); err != nil {
		return err
	}
	if img == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return errors.Wrap(err, "cannot encode frame")
	}
	return utils.WriteFileAtomic(s.ImagePath(obs.Index), buf.Bytes(), 0o640)
}

// Load reads the record with the given index.
func (s *Store) Load(index int) (*Observation, error) {
	//nolint:gosec
	data, err := os.ReadFile(s.RecordPath(index))
	if err != nil {
		return nil, err
	}
	var obs Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, errors.Wrapf(err, "malformed observation record %d", index)
	}
	if obs.Index != index {
		return nil, errors.Errorf("record %d holds index %d", index, obs.Index)
	}
	return &obs, nil
}

// LoadImage reads the frame saved with the record of the given index.
func (s *Store) LoadImage(index int) (image.Image, error) {
	return imaging.Open(s.ImagePath(index))
}

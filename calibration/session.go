package calibration

import (
	"context"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/chaincal/chain"
	"go.viam.com/chaincal/config"
	"go.viam.com/chaincal/framegraph"
	"go.viam.com/chaincal/intrinsics"
	"go.viam.com/chaincal/logging"
	"go.viam.com/chaincal/observation"
	"go.viam.com/chaincal/pattern"
	"go.viam.com/chaincal/spatialmath"
	"go.viam.com/chaincal/validator"
)

// State is the stage a session is in.
type State int

// Session states. A single unknown link goes COLLECTING, SOLVE_SINGLE, DONE. Two coupled links
// alternate SOLVE_A and SOLVE_B and end in CONVERGED, or DONE when the iteration budget ran out.
const (
	StateCollecting State = iota
	StateSolveSingle
	StateSolveA
	StateSolveB
	StateConverged
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "COLLECTING"
	case StateSolveSingle:
		return "SOLVE_SINGLE"
	case StateSolveA:
		return "SOLVE_A"
	case StateSolveB:
		return "SOLVE_B"
	case StateConverged:
		return "CONVERGED"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// LinkResult is the solved transform of one link.
type LinkResult struct {
	Parent    string
	Child     string
	Method    string
	Transform spatialmath.Transform
}

// Result summarizes a session.
type Result struct {
	SessionID    string
	State        State
	Observations int
	Skipped      int
	Interrupted  bool
	// Iterations and Converged describe the last coupled solve, if any.
	Iterations int
	Converged  bool
	Links      []LinkResult
	// Residual is the RMS loop closure error in meters over all pattern points.
	Residual float64
	// ReprojectionError is the RMS camera reprojection error in pixels.
	ReprojectionError float64
	// Camera is set when the intrinsics were estimated from the observations.
	Camera     *intrinsics.Calibration
	ReportPath string
}

// Session runs one calibration: it collects observations, resolves the camera segment, solves
// the links in order and persists the results.
type Session struct {
	id      uuid.UUID
	cfg     *config.Config
	manager *chain.Manager
	store   *observation.Store
	solver  *Solver
	rig     *observation.Rig
	logger  logging.Logger
	state   State
}

// NewSession validates cfg and prepares storage. rig is required unless observations are
// replayed; its validator is created from the config when unset.
func NewSession(
	ctx context.Context,
	cfg *config.Config,
	frames framegraph.Lookup,
	rig *observation.Rig,
	logger logging.Logger,
) (*Session, error) {
	if _, err := cfg.Validate("config"); err != nil {
		return nil, err
	}
	if !cfg.LoadObservations && rig == nil {
		return nil, errors.New("live capture needs a robot rig")
	}
	id := uuid.New()
	logger = logger.WithFields("session", id.String())

	manager, err := chain.NewManager(ctx, cfg, frames, cfg.StoragePath, logger.Sublogger("chain"))
	if err != nil {
		return nil, err
	}
	store, err := observation.NewStore(cfg.StoragePath, observation.OptionsFromConfig(cfg), logger.Sublogger("observation"))
	if err != nil {
		return nil, err
	}
	if rig != nil && rig.Validator == nil && cfg.ReferenceFrame != nil {
		rig.Validator = validator.New(cfg.ReferenceFrame.Config, logger.Sublogger("validator"))
	}
	s := &Session{
		id:      id,
		cfg:     cfg,
		manager: manager,
		store:   store,
		solver:  NewSolver(cfg.Loop, cfg.Pattern, cfg.Iterations(), cfg.Epsilon(), logger.Sublogger("solver")),
		rig:     rig,
		logger:  logger,
		state:   StateCollecting,
	}
	s.solver.phase = s.setState
	return s, nil
}

// ID identifies the session in logs and reports.
func (s *Session) ID() string {
	return s.id.String()
}

// State is the current state.
func (s *Session) State() State {
	return s.state
}

// Manager gives access to the links of the session.
func (s *Session) Manager() *chain.Manager {
	return s.manager
}

func (s *Session) setState(state State) {
	s.logger.Debugw("state change", "from", s.state.String(), "to", state.String())
	s.state = state
}

// Run executes the session. Numerical failures stop the run and name the failing link.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	res := &Result{SessionID: s.ID()}
	s.setState(StateCollecting)

	var collected *observation.CaptureResult
	var err error
	if s.cfg.LoadObservations {
		collected, err = s.store.Replay(ctx, s.cfg.ReplayCount)
	} else {
		collected, err = s.store.Capture(ctx, *s.rig, s.cfg.RobotConfigurations())
	}
	if collected != nil {
		res.Observations = collected.Captured
		res.Skipped = collected.Skipped
		res.Interrupted = collected.Interrupted
	}
	if err != nil {
		return s.fail(res, err)
	}

	samples, err := s.cameraSamples(collected.Observations, res)
	if err != nil {
		return s.fail(res, err)
	}

	for {
		idx, ok := s.manager.NextUnresolvedLink()
		if !ok {
			break
		}
		if err := s.resolve(idx, samples, res); err != nil {
			return s.fail(res, err)
		}
	}

	res.Residual, err = s.solver.Residual(samples, s.manager.Estimates())
	if err != nil {
		return s.fail(res, err)
	}
	for _, l := range s.manager.Links() {
		res.Links = append(res.Links, LinkResult{Parent: l.Parent, Child: l.Child, Method: l.Method, Transform: l.Transform})
	}
	if res.ReportPath, err = s.manager.WriteReport(s.ID()); err != nil {
		return s.fail(res, err)
	}
	if s.state != StateConverged {
		s.setState(StateDone)
	}
	res.State = s.state
	s.logger.Infow("calibration finished", "state", s.state.String(), "residual", res.Residual,
		"reprojection_error", res.ReprojectionError, "observations", res.Observations)
	return res, nil
}

func (s *Session) fail(res *Result, err error) (*Result, error) {
	s.setState(StateFailed)
	res.State = s.state
	s.logger.Errorw("calibration failed", "error", err)
	return res, err
}

// resolve solves the link at idx, together with the other unresolved link when two remain.
func (s *Session) resolve(idx int, samples []Sample, res *Result) error {
	unresolved := s.manager.Unresolved()
	link := s.manager.LinkAt(idx)
	switch len(unresolved) {
	case 1:
		s.setState(StateSolveSingle)
		t, err := s.solver.Solve(link.Method, samples, s.manager.Estimates(), link.Name())
		if err != nil {
			s.logger.Errorw("cannot solve link", "link", link.Name(), "error", err)
			return err
		}
		return s.manager.RecordResult(idx, t)
	case 2:
		otherIdx := lo.Without(unresolved, idx)[0]
		a, b := idx, otherIdx
		// An aligned link is solved first.
		if s.manager.LinkAt(a).Method == config.MethodAverage && s.manager.LinkAt(b).Method == config.MethodAlign {
			a, b = b, a
		}
		linkA, linkB := s.manager.LinkAt(a), s.manager.LinkAt(b)
		coupled, err := s.solver.SolveCoupled(samples, s.manager.Estimates(), linkA.Name(), linkB.Name(), linkA.Method, linkB.Method)
		if err != nil {
			s.logger.Errorw("cannot solve coupled links", "a", linkA.Name(), "b", linkB.Name(), "error", err)
			return err
		}
		res.Iterations, res.Converged = coupled.Iterations, coupled.Converged
		if !coupled.Converged {
			s.logger.Warnw("coupled solve did not converge", "iterations", coupled.Iterations, "delta", coupled.Delta)
		}
		if err := s.manager.RecordResult(a, coupled.A); err != nil {
			return err
		}
		if err := s.manager.RecordResult(b, coupled.B); err != nil {
			return err
		}
		if coupled.Converged {
			s.setState(StateConverged)
		}
		return nil
	default:
		return errors.Errorf("%d unknown links remain in one loop, at most 2 can be solved together", len(unresolved))
	}
}

// cameraSamples recovers the camera segment of every observation. Without configured intrinsics
// the camera is calibrated from all observations first.
func (s *Session) cameraSamples(observations []*observation.Observation, res *Result) ([]Sample, error) {
	cb := s.cfg.Pattern
	toSample := func(obs *observation.Observation, camera spatialmath.Transform) Sample {
		segments := make(map[string]spatialmath.Transform, len(obs.Transforms)+1)
		for k, v := range obs.Transforms {
			segments[k] = v
		}
		segments[config.CameraSegment] = camera
		return Sample{Index: obs.Index, Segments: segments}
	}

	if s.cfg.Camera.Intrinsics == nil {
		first := observations[0]
		size := image.Pt(first.ImageWidth, first.ImageHeight)
		if size.X <= 0 || size.Y <= 0 {
			return nil, intrinsics.NewNoIntrinsicsError("camera is not calibrated and the observations carry no image size")
		}
		imagePoints := lo.Map(observations, func(obs *observation.Observation, _ int) []r2.Point { return obs.Corners })
		cal, err := intrinsics.Calibrate(
			pattern.Generate(cb.Rows, cb.Cols, cb.CellSize, len(observations)),
			imagePoints,
			size,
			intrinsics.Options{FixDistortion: s.cfg.Camera.FixDistortion},
		)
		if err != nil {
			return nil, errors.Wrap(err, "camera calibration failed")
		}
		s.logger.Infow("estimated camera intrinsics", "fx", cal.Intrinsics.Fx, "fy", cal.Intrinsics.Fy,
			"ppx", cal.Intrinsics.Ppx, "ppy", cal.Intrinsics.Ppy, "reprojection_error", cal.ReprojectionError)
		res.Camera = cal
		res.ReprojectionError = cal.ReprojectionError
		samples := make([]Sample, len(observations))
		for i, obs := range observations {
			samples[i] = toSample(obs, cal.Views[i])
		}
		return samples, nil
	}

	points := cb.Points()
	samples := make([]Sample, 0, len(observations))
	var sumSq float64
	for _, obs := range observations {
		pose, rms, err := intrinsics.EstimatePlanarPose(s.cfg.Camera.Intrinsics, s.cfg.Camera.Distortion, points, obs.Corners)
		if err != nil {
			s.logger.Warnw("cannot estimate pattern pose, skipping observation", "index", obs.Index, "error", err)
			res.Skipped++
			continue
		}
		sumSq += rms * rms
		samples = append(samples, toSample(obs, pose))
	}
	if len(samples) == 0 {
		return nil, observation.ErrNoObservations
	}
	res.ReprojectionError = math.Sqrt(sumSq / float64(len(samples)))
	return samples, nil
}

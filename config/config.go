// Package config defines the configuration of a chain calibration session.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"

	"go.viam.com/chaincal/actuation"
	"go.viam.com/chaincal/intrinsics"
	"go.viam.com/chaincal/pattern"
	"go.viam.com/chaincal/spatialmath"
	"go.viam.com/chaincal/validator"
)

// Defaults applied to unset fields.
const (
	DefaultOptimizationIterations = 100
	DefaultConvergenceEpsilon     = 1e-10
	DefaultMoveTimeout            = 10 * time.Second
	DefaultMoveTolerance          = 0.01
	DefaultStaleness              = 20 * time.Second
	DefaultSettle                 = time.Second
)

// Link solving methods.
const (
	MethodAlign   = "align"
	MethodAverage = "average"
)

// minConfigurations is the fewest robot configurations a live session can solve from.
const minConfigurations = 3

// Config describes one calibration session.
type Config struct {
	StoragePath      string `json:"storage_path"`
	LoadObservations bool   `json:"load_observations,omitempty"`
	// ReplayCount is the number of stored observations to load. Zero loads every record on disk.
	ReplayCount int `json:"replay_count,omitempty"`

	Pattern pattern.Checkerboard `json:"pattern"`

	ArmDOF    int `json:"arm_dof,omitempty"`
	CameraDOF int `json:"camera_dof,omitempty"`
	BaseDOF   int `json:"base_dof,omitempty"`

	Configurations []actuation.Configuration `json:"configurations,omitempty"`
	Ranges         *Ranges                   `json:"ranges,omitempty"`

	OptimizationIterations int     `json:"optimization_iterations,omitempty"`
	ConvergenceEpsilon     float64 `json:"convergence_epsilon,omitempty"`

	Links            []LinkConfig `json:"links"`
	CalibrationOrder []int        `json:"calibration_order,omitempty"`
	Loop             LoopConfig   `json:"loop"`

	Camera CameraConfig `json:"camera"`

	RobotInterface string  `json:"robot_interface,omitempty"`
	MoveTimeoutSec float64 `json:"move_timeout_sec,omitempty"`
	MoveTolerance  float64 `json:"move_tolerance,omitempty"`

	ReferenceFrame *ReferenceFrameConfig `json:"reference_frame,omitempty"`

	LogLevel string `json:"log_level,omitempty"`
}

// LinkConfig is one unknown transform of the chain.
type LinkConfig struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
	// Initial is the starting guess. Ignored when InitialFromFrameGraph is set.
	Initial               *Pose  `json:"initial,omitempty"`
	InitialFromFrameGraph bool   `json:"initial_from_frame_graph,omitempty"`
	Method                string `json:"method,omitempty"`
}

// Name is the segment key of the link.
func (l LinkConfig) Name() string {
	return SegmentKey(l.Parent, l.Child)
}

// SolveMethod returns the configured method, align when unset.
func (l LinkConfig) SolveMethod() string {
	if l.Method == "" {
		return MethodAlign
	}
	return l.Method
}

// Pose is a translation in meters and URDF roll, pitch, yaw in radians.
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Transform converts the pose to a rigid transform.
func (p Pose) Transform() spatialmath.Transform {
	return spatialmath.NewTransformFromRPY(p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw)
}

// CameraConfig holds the camera model and frame acquisition timing.
type CameraConfig struct {
	// Intrinsics may be left out, in which case the camera is calibrated from the observations.
	Intrinsics    *intrinsics.PinholeCameraIntrinsics `json:"intrinsics,omitempty"`
	Distortion    *intrinsics.BrownConrady            `json:"distortion,omitempty"`
	FixDistortion bool                                `json:"fix_distortion,omitempty"`
	StalenessSec  float64                             `json:"staleness_sec,omitempty"`
	SettleSec     float64                             `json:"settle_sec,omitempty"`
}

// Staleness is how old a drained frame may be.
func (c CameraConfig) Staleness() time.Duration {
	if c.StalenessSec <= 0 {
		return DefaultStaleness
	}
	return seconds(c.StalenessSec)
}

// Settle is how long to wait for the producer after a capture request.
func (c CameraConfig) Settle() time.Duration {
	if c.SettleSec <= 0 {
		return DefaultSettle
	}
	return seconds(c.SettleSec)
}

// ReferenceFrameConfig names the frame that guards base motion and its validator thresholds.
type ReferenceFrameConfig struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
	validator.Config
}

// Validate ensures all parts of the config are valid and returns the frame graph frames the
// session will query.
func (cfg *Config) Validate(path string) ([]string, error) {
	var deps []string
	if cfg.StoragePath == "" {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "storage_path")
	}
	if err := cfg.Pattern.Validate(fmt.Sprintf("%s.%s", path, "pattern")); err != nil {
		return nil, err
	}
	if cfg.ArmDOF < 0 || cfg.CameraDOF < 0 || cfg.BaseDOF < 0 {
		return nil, utils.NewConfigValidationError(path, errors.New("degrees of freedom must not be negative"))
	}
	if cfg.OptimizationIterations < 0 {
		return nil, utils.NewConfigValidationError(path, errors.New("optimization_iterations must not be negative"))
	}
	if cfg.ConvergenceEpsilon < 0 {
		return nil, utils.NewConfigValidationError(path, errors.New("convergence_epsilon must not be negative"))
	}

	switch cfg.Interface() {
	case actuation.KindSim, actuation.KindNone:
	case "":
		return nil, utils.NewConfigValidationFieldRequiredError(path, "robot_interface")
	default:
		return nil, utils.NewConfigValidationError(path,
			errors.Errorf("unknown robot_interface %q", cfg.RobotInterface))
	}

	if !cfg.LoadObservations {
		if err := cfg.validateConfigurations(path); err != nil {
			return nil, err
		}
	}

	if len(cfg.Links) == 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "links")
	}
	seen := map[string]bool{}
	for idx, link := range cfg.Links {
		linkPath := fmt.Sprintf("%s.%s.%d", path, "links", idx)
		if link.Parent == "" {
			return nil, utils.NewConfigValidationFieldRequiredError(linkPath, "parent")
		}
		if link.Child == "" {
			return nil, utils.NewConfigValidationFieldRequiredError(linkPath, "child")
		}
		if seen[link.Name()] {
			return nil, utils.NewConfigValidationError(linkPath, errors.Errorf("duplicate link %s", link.Name()))
		}
		seen[link.Name()] = true
		if method := link.SolveMethod(); method != MethodAlign && method != MethodAverage {
			return nil, utils.NewConfigValidationError(linkPath, errors.Errorf("unknown method %q", link.Method))
		}
		if link.InitialFromFrameGraph {
			if link.Initial != nil {
				return nil, utils.NewConfigValidationError(linkPath,
					errors.New("initial and initial_from_frame_graph are mutually exclusive"))
			}
			deps = append(deps, link.Parent, link.Child)
		}
	}
	if _, err := cfg.Order(); err != nil {
		return nil, utils.NewConfigValidationError(fmt.Sprintf("%s.%s", path, "calibration_order"), err)
	}

	loopDeps, err := cfg.Loop.validate(fmt.Sprintf("%s.%s", path, "loop"), seen)
	if err != nil {
		return nil, err
	}
	deps = append(deps, loopDeps...)

	if cfg.Camera.Intrinsics != nil {
		if err := cfg.Camera.Intrinsics.CheckValid(); err != nil {
			return nil, utils.NewConfigValidationError(fmt.Sprintf("%s.%s", path, "camera"), err)
		}
	}

	if rf := cfg.ReferenceFrame; rf != nil {
		rfPath := fmt.Sprintf("%s.%s", path, "reference_frame")
		if rf.Parent == "" {
			return nil, utils.NewConfigValidationFieldRequiredError(rfPath, "parent")
		}
		if rf.Child == "" {
			return nil, utils.NewConfigValidationFieldRequiredError(rfPath, "child")
		}
		deps = append(deps, rf.Parent, rf.Child)
	}
	return lo.Uniq(deps), nil
}

func (cfg *Config) validateConfigurations(path string) error {
	if len(cfg.Configurations) > 0 && cfg.Ranges != nil {
		return utils.NewConfigValidationError(path, errors.New("configurations and ranges are mutually exclusive"))
	}
	if cfg.Ranges != nil {
		if err := cfg.Ranges.validate(fmt.Sprintf("%s.%s", path, "ranges"), cfg.BaseDOF, cfg.CameraDOF, cfg.ArmDOF); err != nil {
			return err
		}
	}
	for idx, c := range cfg.Configurations {
		cPath := fmt.Sprintf("%s.%s.%d", path, "configurations", idx)
		if err := checkDOF(cPath, "base", c.Base, cfg.BaseDOF); err != nil {
			return err
		}
		if err := checkDOF(cPath, "camera", c.Camera, cfg.CameraDOF); err != nil {
			return err
		}
		if err := checkDOF(cPath, "arm", c.Arm, cfg.ArmDOF); err != nil {
			return err
		}
	}
	if n := len(cfg.RobotConfigurations()); n < minConfigurations {
		return utils.NewConfigValidationError(path,
			errors.Errorf("need at least %d robot configurations, got %d", minConfigurations, n))
	}
	return nil
}

func checkDOF(path, field string, values []float64, dof int) error {
	if len(values) != dof {
		return utils.NewConfigValidationError(path,
			errors.Errorf("%s has %d values, expected %d", field, len(values), dof))
	}
	return nil
}

// Interface is the robot interface kind. Replay sessions default to none.
func (cfg *Config) Interface() string {
	if cfg.RobotInterface == "" && cfg.LoadObservations {
		return actuation.KindNone
	}
	return cfg.RobotInterface
}

// Iterations is the coupled solve iteration budget.
func (cfg *Config) Iterations() int {
	if cfg.OptimizationIterations == 0 {
		return DefaultOptimizationIterations
	}
	return cfg.OptimizationIterations
}

// Epsilon is the coupled solve convergence threshold.
func (cfg *Config) Epsilon() float64 {
	if cfg.ConvergenceEpsilon == 0 {
		return DefaultConvergenceEpsilon
	}
	return cfg.ConvergenceEpsilon
}

// MoveTimeout bounds the wait for a commanded configuration.
func (cfg *Config) MoveTimeout() time.Duration {
	if cfg.MoveTimeoutSec <= 0 {
		return DefaultMoveTimeout
	}
	return seconds(cfg.MoveTimeoutSec)
}

// Tolerance is the per joint tolerance of a reached configuration.
func (cfg *Config) Tolerance() float64 {
	if cfg.MoveTolerance <= 0 {
		return DefaultMoveTolerance
	}
	return cfg.MoveTolerance
}

// Order converts the 1-based calibration_order into 0-based link indices. An empty order
// resolves links in the order they are listed.
func (cfg *Config) Order() ([]int, error) {
	n := len(cfg.Links)
	if len(cfg.CalibrationOrder) == 0 {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order, nil
	}
	if len(cfg.CalibrationOrder) != n {
		return nil, errors.Errorf("calibration_order has %d entries for %d links", len(cfg.CalibrationOrder), n)
	}
	used := make([]bool, n)
	order := make([]int, n)
	for i, pos := range cfg.CalibrationOrder {
		if pos < 1 || pos > n {
			return nil, errors.Errorf("calibration_order entry %d out of range 1..%d", pos, n)
		}
		if used[pos-1] {
			return nil, errors.Errorf("calibration_order entry %d repeated", pos)
		}
		used[pos-1] = true
		order[i] = pos - 1
	}
	return order, nil
}

// RobotConfigurations returns the configurations to visit, either as listed or as the grid
// spanned by the ranges.
func (cfg *Config) RobotConfigurations() []actuation.Configuration {
	if len(cfg.Configurations) > 0 {
		out := make([]actuation.Configuration, 0, len(cfg.Configurations))
		for _, c := range cfg.Configurations {
			out = append(out, actuation.Configuration{
				Base:   append([]float64(nil), c.Base...),
				Camera: append([]float64(nil), c.Camera...),
				Arm:    append([]float64(nil), c.Arm...),
			})
		}
		return out
	}
	if cfg.Ranges == nil {
		return nil
	}
	return cfg.Ranges.Grid()
}

// Read reads a config from the given file, expanding environment variables.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a config from r. originalPath is used in validation errors.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	var cfg Config
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode config from %s", originalPath)
	}
	if _, err := cfg.Validate(originalPath); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromAttributes decodes a config from a generic attribute map using the json field names.
func FromAttributes(path string, attrs map[string]interface{}) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Squash: true, Result: &cfg})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, errors.Wrap(err, "failed to decode config attributes")
	}
	if _, err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.viam.com/utils"

	"go.viam.com/chaincal/actuation"
	"go.viam.com/chaincal/calibration"
	"go.viam.com/chaincal/config"
	"go.viam.com/chaincal/logging"
	"go.viam.com/chaincal/sim"
	"go.viam.com/chaincal/spatialmath"
)

// newSessionLogger logs to the app's error stream and to the session log in the storage
// directory. The returned func closes the log file.
func newSessionLogger(c *cli.Context, cfg *config.Config) (logging.Logger, func(), error) {
	level := logging.INFO
	if cfg.LogLevel != "" {
		var err error
		if level, err = logging.LevelFromString(cfg.LogLevel); err != nil {
			return nil, nil, err
		}
	}
	if c.Bool(generalFlagDebug) {
		level = logging.DEBUG
	}

	if err := os.MkdirAll(cfg.StoragePath, 0o750); err != nil {
		return nil, nil, errors.Wrapf(err, "cannot create calibration storage %s", cfg.StoragePath)
	}
	logger, closeLog := logging.NewSessionLogger("chaincal", level, c.App.ErrWriter, cfg.StoragePath)
	return logger, func() { utils.UncheckedError(closeLog()) }, nil
}

// SimulateAction runs a live session against the simulated robot.
func SimulateAction(c *cli.Context) error {
	cfg, err := config.Read(c.Path(generalFlagConfig))
	if err != nil {
		return err
	}
	if cfg.LoadObservations {
		return errors.New("the configuration replays stored observations, use the replay command")
	}
	if cfg.Interface() != actuation.KindSim {
		return errors.Errorf("simulate needs robot_interface %q, got %q", actuation.KindSim, cfg.Interface())
	}
	logger, closeLogs, err := newSessionLogger(c, cfg)
	if err != nil {
		return err
	}
	defer closeLogs()

	scene, err := sim.NewScene(sim.DefaultTruth(), c.String(flagPatternFrame), cfg.Pattern, cfg.Camera.Intrinsics)
	if err != nil {
		return err
	}
	rig, src := scene.StreamingRig(clock.New(), nil, c.Duration(flagFramePeriod), logger.Sublogger("camera"))
	defer src.Close()

	session, err := calibration.NewSession(c.Context, cfg, scene.Graph, &rig, logger)
	if err != nil {
		return err
	}
	res, err := session.Run(c.Context)
	printResult(c.App.Writer, session, res)
	if err != nil {
		return err
	}

	truth := map[string]spatialmath.Transform{
		config.SegmentKey(sim.BaseFrame, sim.ArmBaseFrame):       scene.Truth.ArmMount,
		config.SegmentKey(sim.EndEffectorFrame, sim.MarkerFrame): scene.Truth.Marker,
		config.SegmentKey(sim.HeadFrame, sim.CameraFrame):        scene.Truth.CameraMount,
	}
	for _, l := range res.Links {
		want, ok := truth[config.SegmentKey(l.Parent, l.Child)]
		if !ok {
			continue
		}
		printf(c.App.Writer, "%s->%s: translation error %.3g m, rotation error %.3g rad",
			l.Parent, l.Child, l.Transform.Point().Sub(want.Point()).Norm(), spatialmath.RotationDistance(l.Transform, want))
	}
	return nil
}

// ReplayAction solves from the observations of an earlier session.
func ReplayAction(c *cli.Context) error {
	cfg, err := config.Read(c.Path(generalFlagConfig))
	if err != nil {
		return err
	}
	cfg.LoadObservations = true
	if c.IsSet(flagReplayCount) {
		cfg.ReplayCount = c.Int(flagReplayCount)
	}
	logger, closeLogs, err := newSessionLogger(c, cfg)
	if err != nil {
		return err
	}
	defer closeLogs()

	session, err := calibration.NewSession(c.Context, cfg, nil, nil, logger)
	if err != nil {
		return err
	}
	res, err := session.Run(c.Context)
	printResult(c.App.Writer, session, res)
	return err
}

// ValidateAction checks a configuration file.
func ValidateAction(c *cli.Context) error {
	cfg, err := config.Read(c.Path(generalFlagConfig))
	if err != nil {
		return err
	}
	deps, err := cfg.Validate("config")
	if err != nil {
		return err
	}
	printf(c.App.Writer, "configuration is valid: %d links, %d robot configurations, robot interface %s",
		len(cfg.Links), len(cfg.RobotConfigurations()), cfg.Interface())
	if len(deps) > 0 {
		printf(c.App.Writer, "frames queried from the frame graph: %v", deps)
	}
	return nil
}

func printResult(w io.Writer, session *calibration.Session, res *calibration.Result) {
	if res == nil {
		return
	}
	printf(w, "session %s finished in state %s", res.SessionID, res.State)
	printf(w, "observations: %d kept, %d skipped", res.Observations, res.Skipped)
	if res.Interrupted {
		warningf(w, "capture was interrupted, results use the observations collected so far")
	}
	if res.Iterations > 0 {
		printf(w, "coupled solve: %d iterations, converged %t", res.Iterations, res.Converged)
	}
	if res.Camera != nil {
		intr := res.Camera.Intrinsics
		printf(w, "estimated intrinsics: fx %.3f fy %.3f ppx %.3f ppy %.3f", intr.Fx, intr.Fy, intr.Ppx, intr.Ppy)
	}
	printf(w, "loop residual %.3g m, reprojection error %.3g px", res.Residual, res.ReprojectionError)
	fmt.Fprintln(w, session.Manager().Table())
	if res.ReportPath != "" {
		printf(w, "URDF properties written to %s", res.ReportPath)
	}
}

package chain

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/test"

	"go.viam.com/chaincal/config"
	"go.viam.com/chaincal/framegraph"
	"go.viam.com/chaincal/logging"
	"go.viam.com/chaincal/spatialmath"
)

func testConfig() *config.Config {
	return &config.Config{
		Links: []config.LinkConfig{
			{Parent: "base_link", Child: "arm_base", InitialFromFrameGraph: true},
			{Parent: "end_effector", Child: "marker", Initial: &config.Pose{Z: 0.1, Yaw: 0.2}, Method: config.MethodAverage},
			{Parent: "head", Child: "camera_link"},
		},
		CalibrationOrder: []int{3, 1, 2},
	}
}

func testGraph(t *testing.T) *framegraph.Graph {
	t.Helper()
	g := framegraph.NewGraph("test")
	test.That(t, g.AddFrame("base_link", framegraph.World, spatialmath.NewZeroTransform()), test.ShouldBeNil)
	test.That(t, g.AddFrame("arm_base", "base_link", spatialmath.NewTransformFromRPY(0.2, 0, 0.5, 0, 0, 0.1)), test.ShouldBeNil)
	return g
}

func TestNewManager(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	dir := filepath.Join(t.TempDir(), "nested", "session")

	m, err := NewManager(ctx, testConfig(), testGraph(t), dir, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(dir)
	test.That(t, err, test.ShouldBeNil)

	links := m.Links()
	test.That(t, len(links), test.ShouldEqual, 3)
	test.That(t, links[0].Order, test.ShouldEqual, 1)
	test.That(t, links[1].Order, test.ShouldEqual, 2)
	test.That(t, links[2].Order, test.ShouldEqual, 0)
	test.That(t, links[0].Transform.Point().X, test.ShouldAlmostEqual, 0.2)
	test.That(t, links[1].Transform.Point().Z, test.ShouldAlmostEqual, 0.1)
	test.That(t, links[1].Method, test.ShouldEqual, config.MethodAverage)
	test.That(t, links[2].Method, test.ShouldEqual, config.MethodAlign)
	test.That(t, spatialmath.TransformAlmostEqual(links[2].Transform, spatialmath.NewZeroTransform(), 0), test.ShouldBeTrue)

	// A missing initial frame is fatal.
	cfg := testConfig()
	cfg.Links[0].Child = "missing"
	_, err = NewManager(ctx, cfg, testGraph(t), dir, logger)
	test.That(t, errors.Is(err, framegraph.ErrFrameNotFound), test.ShouldBeTrue)

	_, err = NewManager(ctx, testConfig(), nil, dir, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg = testConfig()
	cfg.CalibrationOrder = []int{1, 2}
	_, err = NewManager(ctx, cfg, testGraph(t), dir, logger)
	test.That(t, err, test.ShouldNotBeNil)

	// Storage below a regular file cannot be created.
	file := filepath.Join(t.TempDir(), "file")
	test.That(t, os.WriteFile(file, nil, 0o600), test.ShouldBeNil)
	_, err = NewManager(ctx, testConfig(), testGraph(t), filepath.Join(file, "session"), logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestResolutionOrder(t *testing.T) {
	m, err := NewManager(context.Background(), testConfig(), testGraph(t), t.TempDir(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	idx, ok := m.NextUnresolvedLink()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, idx, test.ShouldEqual, 2)
	test.That(t, m.Unresolved(), test.ShouldResemble, []int{2, 0, 1})

	solved := spatialmath.NewTransformFromRPY(0.05, 0, 0.1, 0.1, 0.2, 0.3)
	test.That(t, m.RecordResult(idx, solved), test.ShouldBeNil)
	idx, ok = m.NextUnresolvedLink()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, idx, test.ShouldEqual, 0)
	test.That(t, m.Estimates()["head->camera_link"], test.ShouldResemble, solved)

	test.That(t, m.RecordResult(0, solved), test.ShouldBeNil)
	test.That(t, m.RecordResult(1, solved), test.ShouldBeNil)
	_, ok = m.NextUnresolvedLink()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, m.Unresolved(), test.ShouldBeEmpty)

	test.That(t, m.RecordResult(3, solved), test.ShouldNotBeNil)
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	m, err := NewManager(ctx, testConfig(), testGraph(t), dir, logger)
	test.That(t, err, test.ShouldBeNil)

	solved := spatialmath.NewTransformFromRPY(0.013, -0.2, 0.37, 0.11, -0.23, 2.9)
	test.That(t, m.RecordResult(1, solved), test.ShouldBeNil)

	path, err := m.LinkPath("end_effector", "marker")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filepath.Base(path), test.ShouldEqual, "link_end_effector_to_marker.json")

	// Reloading in a new session gives back the identical matrix.
	fresh, err := NewManager(ctx, testConfig(), testGraph(t), dir, logger)
	test.That(t, err, test.ShouldBeNil)
	loaded, err := fresh.Link("end_effector", "marker")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Rows(), test.ShouldResemble, solved.Rows())

	_, err = fresh.Link("head", "camera_link")
	test.That(t, errors.Is(err, ErrNotCalibrated), test.ShouldBeTrue)

	err = fresh.LoadAll()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, len(multierr.Errors(err)), test.ShouldEqual, 2)
	test.That(t, fresh.Unresolved(), test.ShouldResemble, []int{2, 0})
	test.That(t, fresh.LinkAt(1).Resolved, test.ShouldBeTrue)

	test.That(t, m.RecordResult(0, solved), test.ShouldBeNil)
	test.That(t, m.RecordResult(2, solved), test.ShouldBeNil)
	test.That(t, os.RemoveAll(dir), test.ShouldBeNil)
	test.That(t, os.MkdirAll(dir, 0o750), test.ShouldBeNil)
	test.That(t, m.PersistAll(), test.ShouldBeNil)
	test.That(t, fresh.LoadAll(), test.ShouldBeNil)
	test.That(t, fresh.Unresolved(), test.ShouldBeEmpty)

	// A corrupt record is reported, not mistaken for a result.
	test.That(t, os.WriteFile(path, []byte(`{"parent": "end_effector", "transform": [[1]]}`), 0o600), test.ShouldBeNil)
	_, err = fresh.LoadLink("end_effector", "marker")
	test.That(t, err, test.ShouldNotBeNil)

	// Saving into a vanished directory fails without panicking.
	test.That(t, os.RemoveAll(dir), test.ShouldBeNil)
	test.That(t, m.SaveLink(m.LinkAt(0)), test.ShouldNotBeNil)
	test.That(t, m.PersistAll(), test.ShouldNotBeNil)
}

func TestReport(t *testing.T) {
	m, err := NewManager(context.Background(), testConfig(), testGraph(t), t.TempDir(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.RecordResult(0, spatialmath.NewTransformFromRPY(0.25, -0.5, 0.75, 0.1, 0.2, 0.3)), test.ShouldBeNil)

	block := URDFBlock(m.LinkAt(0))
	test.That(t, block, test.ShouldContainSubstring, `<xacro:property name="base_link_to_arm_base_x" value="0.25"/>`)
	test.That(t, block, test.ShouldContainSubstring, `<xacro:property name="base_link_to_arm_base_y" value="-0.5"/>`)
	test.That(t, block, test.ShouldContainSubstring, `name="base_link_to_arm_base_roll" value="0.1`)
	test.That(t, block, test.ShouldContainSubstring, "relative to base_link")

	// Links sharing a child frame get distinct property names.
	other := URDFBlock(Link{Parent: "mount_plate", Child: "arm_base", Transform: spatialmath.NewZeroTransform()})
	test.That(t, other, test.ShouldContainSubstring, `name="mount_plate_to_arm_base_x"`)
	test.That(t, other, test.ShouldNotContainSubstring, `name="base_link_to_arm_base_x"`)

	path, err := m.WriteReport("session-1")
	test.That(t, err, test.ShouldBeNil)
	//nolint:gosec
	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	report := string(data)
	test.That(t, report, test.ShouldContainSubstring, "session-1")
	test.That(t, report, test.ShouldContainSubstring, "arm_base_yaw")
	test.That(t, strings.Contains(report, "marker_x"), test.ShouldBeFalse)

	tbl := m.Table()
	test.That(t, tbl, test.ShouldContainSubstring, "base_link->arm_base")
	test.That(t, tbl, test.ShouldContainSubstring, "0.25000")
	test.That(t, strings.Index(tbl, "head->camera_link"), test.ShouldBeLessThan, strings.Index(tbl, "base_link->arm_base"))
}

func TestReadLinks(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(context.Background(), testConfig(), testGraph(t), dir, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.RecordResult(2, spatialmath.NewTransformFromRPY(0.05, 0, 0.1, 0, 0, 0)), test.ShouldBeNil)
	test.That(t, m.RecordResult(0, spatialmath.NewTransformFromRPY(0.2, 0, 0.5, 0, 0, 0)), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(dir, "link_broken_to_record.json"), []byte("["), 0o600), test.ShouldBeNil)

	links, err := ReadLinks(dir)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, len(links), test.ShouldEqual, 2)
	test.That(t, links[0].Name(), test.ShouldEqual, "base_link->arm_base")
	test.That(t, links[1].Name(), test.ShouldEqual, "head->camera_link")
	test.That(t, links[1].Resolved, test.ShouldBeTrue)

	tbl := FormatTable(links)
	test.That(t, tbl, test.ShouldContainSubstring, "head->camera_link")
	test.That(t, tbl, test.ShouldContainSubstring, "0.05000")

	links, err = ReadLinks(t.TempDir())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, links, test.ShouldBeEmpty)
}

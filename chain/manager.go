// Package chain tracks the unknown links of a kinematic chain through a calibration session and
// persists their results.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/chaincal/config"
	"go.viam.com/chaincal/framegraph"
	"go.viam.com/chaincal/logging"
	"go.viam.com/chaincal/spatialmath"
	"go.viam.com/chaincal/utils"
)

// ErrNotCalibrated is returned for a link that was neither resolved in this session nor stored by
// an earlier one.
var ErrNotCalibrated = errors.New("link is not calibrated")

// Link is one unknown transform of the chain.
type Link struct {
	Parent    string
	Child     string
	Transform spatialmath.Transform
	// Order is the 0-based position of the link in the resolution order.
	Order    int
	Method   string
	Resolved bool
}

// Name is the segment key of the link.
func (l Link) Name() string {
	return config.SegmentKey(l.Parent, l.Child)
}

type linkRecord struct {
	Parent    string                `json:"parent"`
	Child     string                `json:"child"`
	Transform spatialmath.Transform `json:"transform"`
	Method    string                `json:"method,omitempty"`
	SavedAt   time.Time             `json:"saved_at"`
}

// Manager owns the links of a session and their resolution order.
type Manager struct {
	mu     sync.Mutex
	dir    string
	links  []Link
	order  []int
	logger logging.Logger
}

// NewManager creates the links of cfg with their initial transforms. Initial transforms marked as
// coming from the frame graph are looked up in frames. An invalid order, a failed lookup, or a
// storage directory that cannot be created is fatal.
func NewManager(
	ctx context.Context,
	cfg *config.Config,
	frames framegraph.Lookup,
	dir string,
	logger logging.Logger,
) (*Manager, error) {
	order, err := cfg.Order()
	if err != nil {
		return nil, err
	}
	links := make([]Link, len(cfg.Links))
	for pos, idx := range order {
		lc := cfg.Links[idx]
		initial := spatialmath.NewZeroTransform()
		switch {
		case lc.InitialFromFrameGraph:
			if frames == nil {
				return nil, errors.Errorf("link %s needs a frame graph for its initial transform", lc.Name())
			}
			initial, err = frames.LookupTransform(ctx, lc.Parent, lc.Child, time.Time{})
			if err != nil {
				return nil, errors.Wrapf(err, "cannot look up initial transform of link %s", lc.Name())
			}
		case lc.Initial != nil:
			initial = lc.Initial.Transform()
		}
		links[idx] = Link{
			Parent:    lc.Parent,
			Child:     lc.Child,
			Transform: initial,
			Order:     pos,
			Method:    lc.SolveMethod(),
		}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "cannot create calibration storage %s", dir)
	}
	return &Manager{dir: dir, links: links, order: order, logger: logger}, nil
}

// Dir is the storage directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Links returns a copy of the links in configuration order.
func (m *Manager) Links() []Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Link(nil), m.links...)
}

// LinkAt returns the link with the given configuration index.
func (m *Manager) LinkAt(idx int) Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[idx]
}

// NextUnresolvedLink returns the index of the first unresolved link in resolution order.
func (m *Manager) NextUnresolvedLink() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, idx := range m.order {
		if !m.links[idx].Resolved {
			return idx, true
		}
	}
	return -1, false
}

// Unresolved lists the indices of all unresolved links in resolution order.
func (m *Manager) Unresolved() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, idx := range m.order {
		if !m.links[idx].Resolved {
			out = append(out, idx)
		}
	}
	return out
}

// Estimates maps every link name to its current transform.
func (m *Manager) Estimates() map[string]spatialmath.Transform {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]spatialmath.Transform, len(m.links))
	for _, l := range m.links {
		out[l.Name()] = l.Transform
	}
	return out
}

// RecordResult stores the solved transform of a link and persists it.
func (m *Manager) RecordResult(idx int, t spatialmath.Transform) error {
	m.mu.Lock()
	if idx < 0 || idx >= len(m.links) {
		m.mu.Unlock()
		return errors.Errorf("link index %d out of range", idx)
	}
	m.links[idx].Transform = t
	m.links[idx].Resolved = true
	link := m.links[idx]
	m.mu.Unlock()

	m.logger.Infow("link resolved", "link", link.Name(), "transform", t.String())
	return m.SaveLink(link)
}

// Link returns the transform of child relative to parent. Links not resolved in this session
// are loaded from storage.
func (m *Manager) Link(parent, child string) (spatialmath.Transform, error) {
	m.mu.Lock()
	for _, l := range m.links {
		if l.Parent == parent && l.Child == child && l.Resolved {
			m.mu.Unlock()
			return l.Transform, nil
		}
	}
	m.mu.Unlock()

	rec, err := m.LoadLink(parent, child)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return spatialmath.NewZeroTransform(), errors.Wrapf(ErrNotCalibrated, "%s", config.SegmentKey(parent, child))
		}
		return spatialmath.NewZeroTransform(), err
	}
	return rec.Transform, nil
}

// LinkPath is the file a link is persisted to.
func (m *Manager) LinkPath(parent, child string) (string, error) {
	return LinkPath(m.dir, parent, child)
}

// LinkPath is the file a link is persisted to inside dir.
func LinkPath(dir, parent, child string) (string, error) {
	clean := func(s string) string {
		return strings.Trim(strings.ReplaceAll(s, "/", "_"), "_")
	}
	return utils.SafeJoinDir(dir, fmt.Sprintf("link_%s_to_%s.json", clean(parent), clean(child)))
}

// SaveLink persists one link.
func (m *Manager) SaveLink(l Link) error {
	path, err := m.LinkPath(l.Parent, l.Child)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(linkRecord{
		Parent:    l.Parent,
		Child:     l.Child,
		Transform: l.Transform,
		Method:    l.Method,
		SavedAt:   time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	return errors.Wrapf(utils.WriteFileAtomic(path, data, 0o640), "cannot save link %s", l.Name())
}

// LoadLink reads one persisted link.
func (m *Manager) LoadLink(parent, child string) (Link, error) {
	path, err := m.LinkPath(parent, child)
	if err != nil {
		return Link{}, err
	}
	return ReadLink(path)
}

// ReadLink reads a persisted link file.
func ReadLink(path string) (Link, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return Link{}, err
	}
	var rec linkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Link{}, errors.Wrapf(err, "malformed link record %s", path)
	}
	return Link{
		Parent:    rec.Parent,
		Child:     rec.Child,
		Transform: rec.Transform,
		Method:    rec.Method,
		Resolved:  true,
	}, nil
}

// ReadLinks reads every link persisted in dir, ordered by file name. Unreadable records are
// skipped and their errors combined.
func ReadLinks(dir string) ([]Link, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "link_*_to_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var links []Link
	var errs error
	for _, path := range matches {
		l, err := ReadLink(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		links = append(links, l)
	}
	return links, errs
}

// PersistAll saves every resolved link. Failures of individual links are combined.
func (m *Manager) PersistAll() error {
	var errs error
	for _, l := range m.Links() {
		if l.Resolved {
			errs = multierr.Append(errs, m.SaveLink(l))
		}
	}
	return errs
}

// LoadAll replaces every link with its stored result. Links without a stored result keep their
// current state and their errors are combined.
func (m *Manager) LoadAll() error {
	var errs error
	for i, l := range m.Links() {
		stored, err := m.LoadLink(l.Parent, l.Child)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "link %s", l.Name()))
			continue
		}
		m.mu.Lock()
		m.links[i].Transform = stored.Transform
		m.links[i].Resolved = true
		m.mu.Unlock()
	}
	return errs
}

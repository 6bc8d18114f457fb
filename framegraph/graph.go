// Package framegraph is a tree of named coordinate frames used to look up the transforms between
// parts of the robot.
package framegraph

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/chaincal/spatialmath"
)

// World is the string "world", but made into an exported constant.
const World = "world"

// ErrFrameNotFound is returned when a lookup names a frame that is not in the graph.
var ErrFrameNotFound = errors.New("frame not found")

var errNoParent = errors.New("no parent")

// Lookup answers transform queries between two frames. The returned transform maps points
// expressed in child into parent.
type Lookup interface {
	LookupTransform(ctx context.Context, parent, child string, at time.Time) (spatialmath.Transform, error)
}

// Graph is a thread safe tree of frames rooted at World. Each frame stores its transform relative
// to its parent.
type Graph struct {
	mu         sync.RWMutex
	name       string
	parents    map[string]string
	transforms map[string]spatialmath.Transform
}

// NewGraph creates a graph holding only the world frame.
func NewGraph(name string) *Graph {
	return &Graph{
		name:       name,
		parents:    map[string]string{},
		transforms: map[string]spatialmath.Transform{},
	}
}

// Name returns the name of the graph.
func (g *Graph) Name() string {
	return g.name
}

func (g *Graph) frameExists(name string) bool {
	if name == World {
		return true
	}
	_, ok := g.parents[name]
	return ok
}

// AddFrame inserts a frame as a child of parent.
func (g *Graph) AddFrame(name, parent string, t spatialmath.Transform) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if name == "" || name == World {
		return errors.Errorf("cannot add frame with name %q", name)
	}
	if g.frameExists(name) {
		return errors.Errorf("frame with name %q already in frame graph", name)
	}
	if !g.frameExists(parent) {
		return errors.Wrapf(ErrFrameNotFound, "parent %q", parent)
	}
	g.parents[name] = parent
	g.transforms[name] = t
	return nil
}

// SetTransform replaces the transform of an existing frame relative to its parent.
func (g *Graph) SetTransform(name string, t spatialmath.Transform) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.parents[name]; !ok {
		return errors.Wrapf(ErrFrameNotFound, "%q", name)
	}
	g.transforms[name] = t
	return nil
}

// RemoveFrame deletes the frame and all of its descendents.
func (g *Graph) RemoveFrame(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeFrame(name)
}

func (g *Graph) removeFrame(name string) {
	delete(g.parents, name)
	delete(g.transforms, name)
	for f, parent := range g.parents {
		if parent == name {
			g.removeFrame(f)
		}
	}
}

// Parent returns the parent of the frame.
func (g *Graph) Parent(name string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.frameExists(name) {
		return "", errors.Wrapf(ErrFrameNotFound, "%q", name)
	}
	if name == World {
		return "", errNoParent
	}
	return g.parents[name], nil
}

// FrameNames returns the sorted names of all frames except World.
func (g *Graph) FrameNames() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := lo.Keys(g.parents)
	slices.Sort(names)
	return names
}

// TracebackFrame returns the frame names from the query frame up to and including World.
func (g *Graph) TracebackFrame(name string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.traceback(name)
}

func (g *Graph) traceback(name string) ([]string, error) {
	if !g.frameExists(name) {
		return nil, errors.Wrapf(ErrFrameNotFound, "%q", name)
	}
	chain := []string{name}
	for name != World {
		name = g.parents[name]
		chain = append(chain, name)
	}
	return chain, nil
}

// toWorld composes the transforms from the frame up to World.
func (g *Graph) toWorld(name string) (spatialmath.Transform, error) {
	chain, err := g.traceback(name)
	if err != nil {
		return spatialmath.NewZeroTransform(), err
	}
	t := spatialmath.NewZeroTransform()
	for _, f := range chain[:len(chain)-1] {
		t = g.transforms[f].Compose(t)
	}
	return t, nil
}

// LookupTransform returns the transform mapping child frame points into the parent frame. The
// graph only holds its current state, so at is ignored.
func (g *Graph) LookupTransform(ctx context.Context, parent, child string, at time.Time) (spatialmath.Transform, error) {
	if err := ctx.Err(); err != nil {
		return spatialmath.NewZeroTransform(), err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	parentToWorld, err := g.toWorld(parent)
	if err != nil {
		return spatialmath.NewZeroTransform(), err
	}
	childToWorld, err := g.toWorld(child)
	if err != nil {
		return spatialmath.NewZeroTransform(), err
	}
	return parentToWorld.Inverse().Compose(childToWorld), nil
}

func (g *Graph) String() string {
	return fmt.Sprintf("framegraph %q with %d frames", g.name, len(g.FrameNames()))
}

package config

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"
)

// CameraSegment is the loop segment holding the camera to pattern pose recovered from the
// detected corners.
const CameraSegment = "camera"

const segmentSep = "->"

// SegmentKey is the key of the transform of child relative to parent.
func SegmentKey(parent, child string) string {
	return parent + segmentSep + child
}

// ParseSegment splits a "parent->child" segment key.
func ParseSegment(key string) (string, string, error) {
	parent, child, found := strings.Cut(key, segmentSep)
	if !found || parent == "" || child == "" {
		return "", "", errors.Errorf("segment %q is not of the form parent->child", key)
	}
	return parent, child, nil
}

// LoopConfig is a closed kinematic loop: Reference and Chain both lead from the same root frame to
// the pattern, so their products agree for every observation. Reference holds only known
// segments, Chain holds the unknown links.
type LoopConfig struct {
	Reference []string `json:"reference"`
	Chain     []string `json:"chain"`
}

// MeasuredSegments are the segments of the loop that are neither the camera segment nor one of
// links. They are read from the frame graph at capture time.
func (l LoopConfig) MeasuredSegments(links []LinkConfig) []string {
	linkNames := lo.Map(links, func(link LinkConfig, _ int) string { return link.Name() })
	all := append(append([]string{}, l.Reference...), l.Chain...)
	return lo.Uniq(lo.Filter(all, func(seg string, _ int) bool {
		return seg != CameraSegment && !lo.Contains(linkNames, seg)
	}))
}

func (l LoopConfig) validate(path string, links map[string]bool) ([]string, error) {
	if len(l.Reference) == 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "reference")
	}
	if len(l.Chain) == 0 {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "chain")
	}

	var deps []string
	cameraCount := 0
	check := func(field string, segments []string, allowLinks bool) error {
		prevChild := ""
		for idx, seg := range segments {
			segPath := fmt.Sprintf("%s.%s.%d", path, field, idx)
			if seg == CameraSegment {
				cameraCount++
				prevChild = ""
				continue
			}
			parent, child, err := ParseSegment(seg)
			if err != nil {
				return utils.NewConfigValidationError(segPath, err)
			}
			if prevChild != "" && prevChild != parent {
				return utils.NewConfigValidationError(segPath,
					errors.Errorf("segment starts at %q but the previous one ends at %q", parent, prevChild))
			}
			prevChild = child
			if links[seg] {
				if !allowLinks {
					return utils.NewConfigValidationError(segPath,
						errors.Errorf("unknown link %s may only appear in the chain", seg))
				}
				continue
			}
			deps = append(deps, parent, child)
		}
		return nil
	}
	if err := check("reference", l.Reference, false); err != nil {
		return nil, err
	}
	if err := check("chain", l.Chain, true); err != nil {
		return nil, err
	}
	if cameraCount != 1 {
		return nil, utils.NewConfigValidationError(path,
			errors.Errorf("loop must contain the camera segment exactly once, found %d", cameraCount))
	}
	for name := range links {
		if n := lo.Count(l.Chain, name); n != 1 {
			return nil, utils.NewConfigValidationError(path,
				errors.Errorf("link %s must appear exactly once in the chain, found %d", name, n))
		}
	}
	return deps, nil
}

package cli

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"go.viam.com/chaincal/chain"
	"go.viam.com/chaincal/config"
	"go.viam.com/chaincal/utils"
)

const fileOutputPerm = 0o644

// URDF structures for rewriting joint origins. Links are kept verbatim; joints keep only the
// elements modelled here.
type urdfRobot struct {
	XMLName xml.Name    `xml:"robot"`
	Name    string      `xml:"name,attr"`
	Links   []urdfLink  `xml:"link"`
	Joints  []urdfJoint `xml:"joint"`
}

type urdfLink struct {
	XMLName  xml.Name `xml:"link"`
	Name     string   `xml:"name,attr"`
	InnerXML string   `xml:",innerxml"`
}

type urdfJoint struct {
	XMLName xml.Name    `xml:"joint"`
	Name    string      `xml:"name,attr"`
	Type    string      `xml:"type,attr"`
	Parent  urdfLinkRef `xml:"parent"`
	Child   urdfLinkRef `xml:"child"`
	Origin  *urdfOrigin `xml:"origin"`
	Axis    *urdfAxis   `xml:"axis"`
	Limit   *urdfLimit  `xml:"limit"`
}

type urdfLinkRef struct {
	Link string `xml:"link,attr"`
}

type urdfOrigin struct {
	XYZ string `xml:"xyz,attr"`
	RPY string `xml:"rpy,attr"`
}

type urdfAxis struct {
	XYZ string `xml:"xyz,attr"`
}

type urdfLimit struct {
	Lower    string `xml:"lower,attr,omitempty"`
	Upper    string `xml:"upper,attr,omitempty"`
	Effort   string `xml:"effort,attr,omitempty"`
	Velocity string `xml:"velocity,attr,omitempty"`
}

// ShowAction prints one persisted link with its URDF block, or a table of all of them.
func ShowAction(c *cli.Context) error {
	dir := c.Path(flagStorage)
	if !c.IsSet(flagLink) {
		links, err := chain.ReadLinks(dir)
		if err != nil {
			warningf(c.App.ErrWriter, "%v", err)
		}
		if len(links) == 0 {
			return errors.Wrapf(chain.ErrNotCalibrated, "no links stored in %s", dir)
		}
		printf(c.App.Writer, "%s", chain.FormatTable(links))
		return nil
	}

	parent, child, err := config.ParseSegment(c.String(flagLink))
	if err != nil {
		return err
	}
	path, err := chain.LinkPath(dir, parent, child)
	if err != nil {
		return err
	}
	l, err := chain.ReadLink(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(chain.ErrNotCalibrated, "%s", config.SegmentKey(parent, child))
		}
		return err
	}
	printf(c.App.Writer, "%s (%s)", l.Name(), l.Method)
	for _, row := range l.Transform.Rows() {
		printf(c.App.Writer, "  % .9f % .9f % .9f % .9f", row[0], row[1], row[2], row[3])
	}
	printf(c.App.Writer, "%s", chain.URDFBlock(l))
	return nil
}

// URDFApplyAction writes the persisted links into the origins of the matching joints.
func URDFApplyAction(c *cli.Context) error {
	links, err := chain.ReadLinks(c.Path(flagStorage))
	if err != nil {
		warningf(c.App.ErrWriter, "%v", err)
	}
	if len(links) == 0 {
		return errors.Wrapf(chain.ErrNotCalibrated, "no links stored in %s", c.Path(flagStorage))
	}
	input := c.Path(flagURDFInput)
	//nolint:gosec
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	out, missing, err := applyLinks(string(data), links)
	if err != nil {
		return err
	}
	for _, name := range missing {
		warningf(c.App.ErrWriter, "no joint connects %s", name)
	}

	if c.Bool(flagURDFDryRun) {
		printf(c.App.Writer, "%s", out)
		return nil
	}
	output := c.Path(flagURDFOutput)
	if output == "" {
		output = input
	}
	if err := utils.WriteFileAtomic(output, []byte(out), fileOutputPerm); err != nil {
		return err
	}
	printf(c.App.Writer, "updated %d joints in %s", len(links)-len(missing), output)
	return nil
}

// applyLinks sets the origin of every joint whose parent and child match a link. It returns the
// updated URDF and the names of links no joint matched.
func applyLinks(urdfContent string, links []chain.Link) (string, []string, error) {
	var robot urdfRobot
	if err := xml.Unmarshal([]byte(urdfContent), &robot); err != nil {
		return "", nil, fmt.Errorf("failed to parse URDF: %w", err)
	}

	var missing []string
	for _, l := range links {
		_, idx, found := lo.FindIndexOf(robot.Joints, func(j urdfJoint) bool {
			return j.Parent.Link == l.Parent && j.Child.Link == l.Child
		})
		if !found {
			missing = append(missing, l.Name())
			continue
		}
		p := l.Transform.Point()
		rpy := l.Transform.Rotation().EulerAngles()
		robot.Joints[idx].Origin = &urdfOrigin{
			XYZ: fmt.Sprintf("%.9g %.9g %.9g", p.X, p.Y, p.Z),
			RPY: fmt.Sprintf("%.9g %.9g %.9g", rpy.Roll, rpy.Pitch, rpy.Yaw),
		}
	}

	output, err := xml.MarshalIndent(&robot, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal URDF: %w", err)
	}
	return xml.Header + string(output) + "\n", missing, nil
}

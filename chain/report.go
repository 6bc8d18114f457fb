package chain

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"go.viam.com/chaincal/utils"
)

// ReportFile is the name of the URDF property report inside the storage directory.
const ReportFile = "chain_calibration_urdf.txt"

// URDFBlock renders a link as xacro properties ready to paste into a robot description. The
// properties are named "<parent>_to_<child>_<x|y|z|roll|pitch|yaw>".
func URDFBlock(l Link) string {
	prefix := l.Parent + "_to_" + l.Child
	p := l.Transform.Point()
	rpy := l.Transform.Rotation().EulerAngles()
	var sb strings.Builder
	fmt.Fprintf(&sb, "  <!-- %s | relative to %s -->\n", l.Child, l.Parent)
	for _, prop := range []struct {
		name  string
		value float64
	}{
		{"x", p.X}, {"y", p.Y}, {"z", p.Z},
		{"roll", rpy.Roll}, {"pitch", rpy.Pitch}, {"yaw", rpy.Yaw},
	} {
		fmt.Fprintf(&sb, "  <xacro:property name=\"%s_%s\" value=\"%.9g\"/>\n", prefix, prop.name, prop.value)
	}
	return sb.String()
}

// Report renders every resolved link as URDF properties.
func (m *Manager) Report(sessionID string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<!-- chain calibration session %s -->\n\n", sessionID)
	for _, idx := range m.order {
		l := m.LinkAt(idx)
		if !l.Resolved {
			continue
		}
		sb.WriteString(URDFBlock(l))
		sb.WriteString("\n")
	}
	return sb.String()
}

// WriteReport writes the URDF report to the storage directory and returns its path.
func (m *Manager) WriteReport(sessionID string) (string, error) {
	path := filepath.Join(m.dir, ReportFile)
	if err := utils.WriteFileAtomic(path, []byte(m.Report(sessionID)), 0o640); err != nil {
		return "", err
	}
	m.logger.Infow("wrote calibration report", "path", path)
	return path, nil
}

// Table summarizes the links in resolution order.
func (m *Manager) Table() string {
	links := make([]Link, 0, len(m.order))
	for _, idx := range m.order {
		links = append(links, m.LinkAt(idx))
	}
	return FormatTable(links)
}

// FormatTable renders links as a text table, one row per link.
func FormatTable(links []Link) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Link", "Method", "Resolved", "X", "Y", "Z", "Roll", "Pitch", "Yaw"})
	for i, l := range links {
		p := l.Transform.Point()
		rpy := l.Transform.Rotation().EulerAngles()
		t.AppendRow(table.Row{
			i + 1, l.Name(), l.Method, l.Resolved,
			fmt.Sprintf("%.5f", p.X), fmt.Sprintf("%.5f", p.Y), fmt.Sprintf("%.5f", p.Z),
			fmt.Sprintf("%.5f", rpy.Roll), fmt.Sprintf("%.5f", rpy.Pitch), fmt.Sprintf("%.5f", rpy.Yaw),
		})
	}
	return t.Render()
}

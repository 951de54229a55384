package codec

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"hwtopo/internal/topology"
)

// TextExporter writes an indented, human-readable tree. It is export only.
type TextExporter struct {
	// ShowSets appends each object's cpuset and nodeset
	ShowSets bool
}

// NewTextExporter creates a new text exporter
func NewTextExporter(showSets bool) *TextExporter {
	return &TextExporter{ShowSets: showSets}
}

// Format returns the exporter format identifier
func (e *TextExporter) Format() string {
	return "text"
}

// Export writes one line per object, children indented under parents
func (e *TextExporter) Export(fb *topology.FactBase, w io.Writer) error {
	doc, err := NewDocument(fb)
	if err != nil {
		return fmt.Errorf("failed to build document: %w", err)
	}

	bw := bufio.NewWriter(w)
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		bw.WriteString(strings.Repeat("  ", depth))
		bw.WriteString(e.line(n))
		bw.WriteByte('\n')
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(doc.Root, 0)

	for _, d := range doc.Distances {
		fmt.Fprintf(bw, "distances %q (%s) over %s\n", d.Name, d.Kind, strings.Join(d.Objects, " "))
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write text: %w", err)
	}
	return nil
}

func (e *TextExporter) line(n *Node) string {
	var details []string
	if n.OSIndex != nil {
		details = append(details, fmt.Sprintf("P#%d", *n.OSIndex))
	}
	if n.Subtype != "" {
		details = append(details, n.Subtype)
	}
	if n.Name != "" {
		details = append(details, fmt.Sprintf("%q", n.Name))
	}
	switch {
	case n.Cache != nil:
		details = append(details, humanize.IBytes(n.Cache.Size))
	case n.NUMA != nil:
		details = append(details, humanize.IBytes(n.NUMA.LocalMemory))
	case n.OSDev != nil:
		details = append(details, string(n.OSDev.Kind))
	case n.PCI != nil:
		details = append(details, fmt.Sprintf("%04x:%02x:%02x.%d", n.PCI.Domain, n.PCI.Bus, n.PCI.Dev, n.PCI.Func))
	}
	if e.ShowSets {
		if n.CPUSet != nil {
			details = append(details, "cpuset="+n.CPUSet.String())
		}
		if n.NodeSet != nil {
			details = append(details, "nodeset="+n.NodeSet.String())
		}
	}

	label := n.ID
	if label == "" {
		label = string(n.Type)
	}
	if len(details) == 0 {
		return label
	}
	return label + " (" + strings.Join(details, " ") + ")"
}

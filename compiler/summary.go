package compiler

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/shadernn/ir"
)

// Summary renders the layer table of g: index, name, kind, placement,
// output dimensions, element count and pass count.
func Summary(g *ir.InferenceGraph) string {
	p := message.NewPrinter(language.English)
	rows := [][]string{{"Layer ID", "Name", "Kind", "Place", "Output Dims", "Elements", "Passes"}}
	for _, l := range g.Layers {
		rows = append(rows, []string{
			p.Sprintf("%d", l.Index),
			l.Name,
			l.Kind,
			l.Placement.String(),
			fmt.Sprintf("%dx%dx%d", l.Output.Width, l.Output.Height, l.Output.Channels),
			p.Sprintf("%d", l.Output.Elements()),
			p.Sprintf("%d", len(l.Passes)),
		})
	}

	widths := make([]int, len(rows[0]))
	for _, r := range rows {
		for i, cell := range r {
			widths[i] = max(widths[i], len(cell))
		}
	}
	var b strings.Builder
	for n, r := range rows {
		for i, cell := range r {
			if i > 0 {
				b.WriteString(" | ")
			}
			fmt.Fprintf(&b, "%-*s", widths[i], cell)
		}
		b.WriteString("\n")
		if n == 0 {
			for i, w := range widths {
				if i > 0 {
					b.WriteString("-+-")
				}
				b.WriteString(strings.Repeat("-", w))
			}
			b.WriteString("\n")
		}
	}
	p.Fprintf(&b, "%d layers, %d passes, %s precision, %s stage\n",
		len(g.Layers), g.PassCount(), g.Options.Precision, g.Options.Stage)
	return b.String()
}

func logSummary(g *ir.InferenceGraph) {
	for _, line := range strings.Split(strings.TrimRight(Summary(g), "\n"), "\n") {
		slogger().Info("compiler: " + line)
	}
}

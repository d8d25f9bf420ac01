package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/jllopis/relay/pkg/health"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
)

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// printer writes command output as JSON or as styled text.
type printer struct {
	w     io.Writer
	json  bool
	color bool
}

func (a *app) printer() *printer {
	return &printer{
		w:     a.stdout,
		json:  a.jsonOutput,
		color: !a.jsonOutput && !a.noColor && isTerminal(a.stdout),
	}
}

func (p *printer) paint(style lipgloss.Style, s string) string {
	if !p.color {
		return s
	}
	return style.Render(s)
}

func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) Title(s string) {
	fmt.Fprintln(p.w, p.paint(titleStyle, s))
}

func (p *printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) Dim(format string, args ...any) {
	fmt.Fprintln(p.w, p.paint(dimStyle, fmt.Sprintf(format, args...)))
}

func (p *printer) Warn(s string) {
	fmt.Fprintln(p.w, p.paint(warnStyle, "warning: "+s))
}

// Table renders rows with a tabwriter. The header is printed first.
func (p *printer) Table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	writeRow(tw, header)
	for _, r := range rows {
		writeRow(tw, r)
	}
	_ = tw.Flush()
}

func writeRow(w io.Writer, cols []string) {
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c)
	}
	fmt.Fprintln(w)
}

// Status paints a status word by severity.
func (p *printer) Status(s string) string {
	switch s {
	case string(health.Healthy), "completed", "success", "ok", "SERVING":
		return p.paint(okStyle, s)
	case string(health.Degraded), "running":
		return p.paint(warnStyle, s)
	case string(health.Unhealthy), "failed", "error", "NOT_SERVING":
		return p.paint(errStyle, s)
	}
	return s
}

// Package ui renders reports for the terminal and asks for confirmation.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/pterm/pterm"
)

var (
	// Colors
	PrimaryColor   = lipgloss.Color("#00D9FF")
	SuccessColor   = lipgloss.Color("#00FF88")
	WarningColor   = lipgloss.Color("#FFB800")
	ErrorColor     = lipgloss.Color("#FF4444")
	SecondaryColor = lipgloss.Color("#6C757D")

	TitleStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true).
			MarginBottom(1)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(SuccessColor).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(WarningColor).
			Bold(true)

	InfoStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor)

	SecondaryStyle = lipgloss.NewStyle().
			Foreground(SecondaryColor)
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ParseFormat validates an output format. Empty means text.
func ParseFormat(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Printer writes human or JSON output.
type Printer struct {
	Out    io.Writer
	Err    io.Writer
	Format string
	// Width caps boxes and markdown. Zero uses the terminal width.
	Width int
}

// NewPrinter writes to stdout and stderr.
func NewPrinter(format string) *Printer {
	return &Printer{Out: os.Stdout, Err: os.Stderr, Format: format}
}

// JSON reports whether output is machine readable.
func (p *Printer) JSON() bool { return p.Format == FormatJSON }

func (p *Printer) width() int {
	if p.Width > 0 {
		return p.Width
	}
	if w := pterm.GetTerminalWidth(); w > 0 {
		return w
	}
	return 80
}

// WriteJSON writes v indented.
func (p *Printer) WriteJSON(v any) error {
	enc := json.NewEncoder(p.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Header prints a boxed title.
func (p *Printer) Header(title, subtitle string) {
	header := lipgloss.NewStyle().
		Width(p.width()-2).
		Align(lipgloss.Center).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Padding(0, 2).
		Render(
			lipgloss.JoinVertical(
				lipgloss.Center,
				TitleStyle.Render(title),
				SecondaryStyle.Render(subtitle),
			),
		)
	fmt.Fprintln(p.Out, header)
}

// Success prints a success message
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.Out, SuccessStyle.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Error prints an error message to the error stream.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.Err, ErrorStyle.Render("✗ "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...any) {
	fmt.Fprintln(p.Out, WarningStyle.Render("⚠ "+fmt.Sprintf(format, args...)))
}

// Info prints an info message
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintln(p.Out, InfoStyle.Render("ℹ "+fmt.Sprintf(format, args...)))
}

// Section prints a section header
func (p *Printer) Section(title string) {
	section := lipgloss.NewStyle().
		Width(p.width()).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(SecondaryColor).
		Render(title)
	fmt.Fprintln(p.Out)
	fmt.Fprintln(p.Out, section)
}

// List prints a bulleted list
func (p *Printer) List(items []string) {
	for _, item := range items {
		fmt.Fprintf(p.Out, "  • %s\n", item)
	}
}

// Table prints a table with a header row.
func (p *Printer) Table(headers []string, rows [][]string) error {
	data := pterm.TableData{headers}
	data = append(data, rows...)
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(p.Out, out)
	return nil
}

// KeyValues prints aligned label/value pairs.
func (p *Printer) KeyValues(pairs [][2]string) {
	w := 0
	for _, kv := range pairs {
		w = max(w, len(kv[0]))
	}
	for _, kv := range pairs {
		fmt.Fprintf(p.Out, "  %s  %s\n", SecondaryStyle.Render(fmt.Sprintf("%-*s", w, kv[0])), kv[1])
	}
}

// Markdown renders markdown content. Rendering problems fall back to the
// raw text.
func (p *Printer) Markdown(content string) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(min(p.width(), 100)),
	)
	if err == nil {
		if out, rerr := r.Render(content); rerr == nil {
			fmt.Fprint(p.Out, out)
			return
		}
	}
	fmt.Fprintln(p.Out, content)
}

// Box prints content in a box
func (p *Printer) Box(title, content string) {
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Padding(0, 1).
		Width(p.width()-2).
		Render(lipgloss.JoinVertical(lipgloss.Left, TitleStyle.Render(title), content))
	fmt.Fprintln(p.Out, box)
}

// Spinner starts a spinner on the error stream. JSON output gets none.
func (p *Printer) Spinner(message string) *pterm.SpinnerPrinter {
	if p.JSON() {
		return nil
	}
	s, err := pterm.DefaultSpinner.WithWriter(p.Err).WithRemoveWhenDone(true).Start(message)
	if err != nil {
		return nil
	}
	return s
}

// StopSpinner stops s; nil is ignored.
func StopSpinner(s *pterm.SpinnerPrinter) {
	if s != nil {
		_ = s.Stop()
	}
}

// Colors returns color printers keyed by intent.
func Colors() map[string]*color.Color {
	return map[string]*color.Color{
		"success": color.New(color.FgGreen, color.Bold),
		"error":   color.New(color.FgRed, color.Bold),
		"warning": color.New(color.FgYellow, color.Bold),
		"info":    color.New(color.FgCyan),
		"primary": color.New(color.FgCyan, color.Bold),
	}
}

// Confirm asks a yes/no question on the terminal.
func Confirm(message string, def bool) (bool, error) {
	ok := def
	if err := survey.AskOne(&survey.Confirm{Message: message, Default: def}, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

package display

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color represents terminal color options
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorMagenta
	ColorCyan
	ColorWhite
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightMagenta
)

// ColorTheme defines the color of each kind of line
type ColorTheme struct {
	Rule    Color
	Stage   Color
	Step    Color
	Success Color
	Warning Color
	Error   Color
	Muted   Color
}

// DefaultColorTheme mirrors the classic banner colors: magenta rules, green stage
// headers and yellow step lines
func DefaultColorTheme() ColorTheme {
	return ColorTheme{
		Rule:    ColorBrightMagenta,
		Stage:   ColorBrightGreen,
		Step:    ColorYellow,
		Success: ColorGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Muted:   ColorWhite,
	}
}

// ColorSystem applies colors when the output supports them
type ColorSystem struct {
	enabled bool
	colors  map[Color]*color.Color
}

// NewColorSystem creates a color system. Colors are used only when enabled is true
// and w is a color capable terminal.
func NewColorSystem(w io.Writer, enabled bool) *ColorSystem {
	cs := &ColorSystem{enabled: enabled && detectColorSupport(w)}

	bold := func(attr color.Attribute) *color.Color {
		c := color.New(attr, color.Bold)
		c.EnableColor()
		return c
	}
	plain := func(attr color.Attribute) *color.Color {
		c := color.New(attr)
		c.EnableColor()
		return c
	}
	cs.colors = map[Color]*color.Color{
		ColorReset:         plain(color.Reset),
		ColorRed:           plain(color.FgRed),
		ColorGreen:         plain(color.FgGreen),
		ColorYellow:        plain(color.FgYellow),
		ColorBlue:          plain(color.FgBlue),
		ColorMagenta:       plain(color.FgMagenta),
		ColorCyan:          plain(color.FgCyan),
		ColorWhite:         plain(color.FgWhite),
		ColorBrightRed:     bold(color.FgHiRed),
		ColorBrightGreen:   bold(color.FgHiGreen),
		ColorBrightYellow:  bold(color.FgHiYellow),
		ColorBrightMagenta: bold(color.FgHiMagenta),
	}
	return cs
}

// ForceColors enables colors regardless of terminal detection
func (cs *ColorSystem) ForceColors() {
	cs.enabled = true
}

// detectColorSupport checks NO_COLOR, TERM and whether w is a terminal
func detectColorSupport(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	return termenv.NewOutput(f).ColorProfile() != termenv.Ascii
}

// Colorize applies color to text if colors are enabled
func (cs *ColorSystem) Colorize(text string, clr Color) string {
	if !cs.enabled {
		return text
	}
	if c, ok := cs.colors[clr]; ok {
		return c.Sprint(text)
	}
	return text
}

// Sprintf formats text and colors it
func (cs *ColorSystem) Sprintf(clr Color, format string, args ...interface{}) string {
	return cs.Colorize(fmt.Sprintf(format, args...), clr)
}

// Enabled reports whether colors are applied
func (cs *ColorSystem) Enabled() bool {
	return cs.enabled
}

package display

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Icon represents a visual icon with Unicode and ASCII fallbacks
type Icon struct {
	Unicode string
	ASCII   string
}

var icons = map[string]Icon{
	"start":   {Unicode: "»", ASCII: ">>"},
	"step":    {Unicode: "-", ASCII: "-"},
	"success": {Unicode: "✓", ASCII: "[OK]"},
	"error":   {Unicode: "✗", ASCII: "[ERR]"},
	"warning": {Unicode: "⚠", ASCII: "[WARN]"},
	"retry":   {Unicode: "↻", ASCII: "[RETRY]"},
	"skip":    {Unicode: "○", ASCII: "[SKIP]"},
}

// IconSet renders icons with an ASCII fallback
type IconSet struct {
	unicode bool
}

// NewIconSet detects Unicode support for w
func NewIconSet(w io.Writer) *IconSet {
	return &IconSet{unicode: detectUnicodeSupport(w)}
}

// ASCIIIcons returns an icon set that never emits Unicode
func ASCIIIcons() *IconSet {
	return &IconSet{}
}

func detectUnicodeSupport(w io.Writer) bool {
	if os.Getenv("FORCE_UNICODE") != "" {
		return true
	}
	if os.Getenv("NO_UNICODE") != "" {
		return false
	}
	if os.Getenv("LANG") == "C" || os.Getenv("LC_ALL") == "C" {
		return false
	}
	term := os.Getenv("TERM")
	if term == "dumb" || term == "vt100" || strings.HasPrefix(term, "linux") {
		return false
	}
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// Render returns the icon for name, or name itself for unknown icons
func (s *IconSet) Render(name string) string {
	icon, ok := icons[name]
	if !ok {
		return name
	}
	if s.unicode {
		return icon.Unicode
	}
	return icon.ASCII
}

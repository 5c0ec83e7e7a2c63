// Package display prints the progress of a backup run to the terminal.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"site-backup/internal/pipeline"
)

const defaultWidth = 80

var stageTitles = map[pipeline.Stage]string{
	pipeline.StageArchive:  "Generating backup on remote server",
	pipeline.StageTransfer: "Downloading backup archive",
	pipeline.StageDatabase: "Generating MySQL database backup",
	pipeline.StageEncrypt:  "Encrypting backup files",
	pipeline.StageUpload:   "Uploading backup files offsite",
	pipeline.StagePublish:  "Publishing backup files to repository",
}

// Options controls a Printer
type Options struct {
	Color bool
	Quiet bool
	// Width of the horizontal rule; detected from the terminal when zero
	Width int
}

// Printer renders stage events as numbered banner lines. It implements
// pipeline.Observer.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	colors *ColorSystem
	icons  *IconSet
	theme  ColorTheme
	width  int
	quiet  bool
	number int
}

var _ pipeline.Observer = (*Printer)(nil)

// NewPrinter creates a printer writing to w
func NewPrinter(w io.Writer, opts Options) *Printer {
	width := opts.Width
	if width <= 0 {
		width = terminalWidth(w)
	}
	return &Printer{
		w:      w,
		colors: NewColorSystem(w, opts.Color),
		icons:  NewIconSet(w),
		theme:  DefaultColorTheme(),
		width:  width,
		quiet:  opts.Quiet,
	}
}

// terminalWidth returns the column count of w, or 80 when w is not a terminal
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

func (p *Printer) println(clr Color, format string, args ...interface{}) {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.w, p.colors.Sprintf(clr, format, args...))
}

// Rule prints a full width separator line
func (p *Printer) Rule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.println(p.theme.Rule, "%s", strings.Repeat("=", p.width))
}

// Banner prints the start of run header
func (p *Printer) Banner(version, target string) {
	p.Rule()
	p.mu.Lock()
	title := "site-backup " + version
	if target != "" {
		title += "  " + target
	}
	p.println(p.theme.Stage, "%s", title)
	p.mu.Unlock()
	p.Rule()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.println(p.theme.Stage, "%s Starting backup process", p.icons.Render("start"))
}

// StageStarted prints the numbered stage header on the first attempt
func (p *Printer) StageStarted(stage pipeline.Stage, attempt int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if attempt > 1 {
		p.println(p.theme.Step, "   %s Attempt %d", p.icons.Render("step"), attempt)
		return
	}
	p.number++
	p.println(p.theme.Stage, "%d) %s", p.number, title(stage))
}

// StageRetrying prints the error that caused a retry
func (p *Printer) StageRetrying(stage pipeline.Stage, attempt int, err error, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.println(p.theme.Warning, "   %s %s failed: %v", p.icons.Render("retry"), stage, err)
	p.println(p.theme.Step, "     retrying in %s (attempt %d)", delay.Round(time.Millisecond), attempt)
}

// StageFinished prints the result lines of a stage
func (p *Printer) StageFinished(result pipeline.StageResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !result.Succeeded() {
		p.println(p.theme.Error, "   %s Error during %s:", p.icons.Render("error"), result.Stage)
		if result.Error != nil {
			p.println(p.theme.Error, "     %s: %s", result.Error.Kind, result.Error.Detail)
		}
		return
	}

	if len(result.Artifacts) == 0 {
		p.println(p.theme.Success, "   %s Done in %s", p.icons.Render("success"), roundDuration(result.Duration))
		return
	}
	for _, a := range result.Artifacts {
		p.println(p.theme.Success, "   %s %s", p.icons.Render("success"), describeArtifact(a))
	}
}

// StageSkipped prints a muted line for a stage that did not run
func (p *Printer) StageSkipped(stage pipeline.Stage, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reason == pipeline.SkipReasonDisabled {
		return
	}
	p.println(p.theme.Muted, "   %s %s skipped: %s", p.icons.Render("skip"), stage, reason)
}

// Summary prints the final status and one line per stage
func (p *Printer) Summary(outcome pipeline.PipelineOutcome) {
	p.Rule()
	p.mu.Lock()

	clr := p.theme.Success
	icon := "success"
	switch outcome.Status {
	case pipeline.RunStatusPartiallyCompleted:
		clr, icon = p.theme.Warning, "warning"
	case pipeline.RunStatusAborted:
		clr, icon = p.theme.Error, "error"
	}
	p.println(clr, "%s Backup %s in %s (run %s)", p.icons.Render(icon), outcome.Status,
		roundDuration(outcome.Duration()), outcome.RunID)

	for _, stage := range pipeline.AllStages {
		if r, ok := outcome.Result(stage); ok {
			status := "ok"
			lineColor := p.theme.Success
			if !r.Succeeded() {
				status = "failed"
				lineColor = p.theme.Error
				if r.Error != nil {
					status += " (" + string(r.Error.Kind) + ")"
				}
			}
			p.println(lineColor, "   %-9s %s", stage, status)
			continue
		}
		for _, s := range outcome.Skipped {
			if s.Stage == stage {
				p.println(p.theme.Muted, "   %-9s skipped (%s)", stage, s.Reason)
			}
		}
	}

	for _, a := range outcome.Artifacts {
		p.println(p.theme.Step, "   %s %s", p.icons.Render("step"), describeArtifact(a))
	}
	p.mu.Unlock()
	p.Rule()
}

func title(stage pipeline.Stage) string {
	if t, ok := stageTitles[stage]; ok {
		return t
	}
	return string(stage)
}

func describeArtifact(a pipeline.ArtifactRef) string {
	var where string
	switch a.Kind {
	case pipeline.ArtifactKindRemoteArchive:
		where = "created on remote host: " + a.Path
	case pipeline.ArtifactKindRemoteObject:
		where = "stored at " + a.Path
	default:
		where = "saved as " + a.Path
	}
	if a.Size > 0 {
		return fmt.Sprintf("%s %s (%s)", a.Name, where, formatBytes(a.Size))
	}
	return fmt.Sprintf("%s %s", a.Name, where)
}

func roundDuration(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(100 * time.Millisecond)
}

// formatBytes formats byte size in human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

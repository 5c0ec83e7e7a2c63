// Package report persists the outcome of every run as a JSON or YAML document.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"site-backup/internal/config"
	"site-backup/internal/fsutil"
	"site-backup/internal/pipeline"
)

// FileTimeLayout stamps report file names
const FileTimeLayout = "20060102_150405"

// Report is the persisted form of a run
type Report struct {
	Version  string                   `json:"version" yaml:"version"`
	Host     string                   `json:"host,omitempty" yaml:"host,omitempty"`
	Duration string                   `json:"duration" yaml:"duration"`
	Outcome  pipeline.PipelineOutcome `json:"outcome" yaml:"outcome"`
}

// Writer writes reports below a directory
type Writer struct {
	cfg     config.ReportConfig
	version string
	host    string
}

// NewWriter creates a report writer
func NewWriter(cfg config.ReportConfig, version, host string) *Writer {
	return &Writer{cfg: cfg, version: version, host: host}
}

// Path returns the report file for an outcome
func (w *Writer) Path(outcome pipeline.PipelineOutcome) string {
	ext := "json"
	if w.cfg.Format == "yaml" {
		ext = "yaml"
	}
	name := fmt.Sprintf("run-%s-%s.%s", outcome.StartedAt.Format(FileTimeLayout), outcome.RunID, ext)
	return filepath.Join(w.cfg.Dir, name)
}

// ParseFileName returns the start time encoded in a report file name
func ParseFileName(name string) (time.Time, bool) {
	const prefix = "run-"
	if !strings.HasPrefix(name, prefix) || len(name) < len(prefix)+len(FileTimeLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(FileTimeLayout, name[len(prefix):len(prefix)+len(FileTimeLayout)], time.Local)
	return t, err == nil
}

// Write persists outcome and returns the file path
func (w *Writer) Write(outcome pipeline.PipelineOutcome) (string, error) {
	if err := os.MkdirAll(w.cfg.Dir, 0750); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	r := Report{
		Version:  w.version,
		Host:     w.host,
		Duration: outcome.Duration().Round(time.Millisecond).String(),
		Outcome:  outcome,
	}

	path := w.Path(outcome)
	_, err := fsutil.WriteAtomic(path, 0640, func(out io.Writer) error {
		return Encode(out, w.cfg.Format, r)
	})
	if err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// Encode writes r in the given format ("json" or "yaml")
func Encode(out io.Writer, format string, r Report) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	default:
		return fmt.Errorf("unsupported report format: %s", format)
	}
}

// Read loads a report written by Write
func Read(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	var r Report
	if filepath.Ext(path) == ".yaml" {
		err = yaml.Unmarshal(data, &r)
	} else {
		err = json.Unmarshal(data, &r)
	}
	return r, err
}

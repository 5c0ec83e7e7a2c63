package pipeline

import (
	"errors"
	"path/filepath"
	"time"
)

// Stage names one discrete unit of the pipeline
type Stage string

const (
	StageArchive  Stage = "archive"
	StageTransfer Stage = "transfer"
	StageDatabase Stage = "database"
	StageEncrypt  Stage = "encrypt"
	StageUpload   Stage = "upload"
	StagePublish  Stage = "publish"
)

// AllStages lists the stages in execution order
var AllStages = []Stage{StageArchive, StageTransfer, StageDatabase, StageEncrypt, StageUpload, StagePublish}

// Required reports whether a failure of the stage aborts the run
func (s Stage) Required() bool {
	return s == StageArchive || s == StageTransfer
}

// relocates reports whether a successful stage replaces the local artifacts it was given
func (s Stage) relocates() bool {
	return s == StageEncrypt || s == StagePublish
}

// ArtifactKind distinguishes where an artifact lives
type ArtifactKind string

const (
	ArtifactKindRemoteArchive ArtifactKind = "remote_archive"
	ArtifactKindLocalFile     ArtifactKind = "local_file"
	ArtifactKindRemoteObject  ArtifactKind = "remote_object"
)

// ArtifactRef is a read-only handle to a file produced by a stage
type ArtifactRef struct {
	Kind     ArtifactKind `json:"kind" yaml:"kind"`
	Name     string       `json:"name" yaml:"name"`
	Path     string       `json:"path" yaml:"path"`
	Size     int64        `json:"size,omitempty" yaml:"size,omitempty"`
	Checksum string       `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// NewRemoteArchive references an archive created on the remote host
func NewRemoteArchive(name, remotePath string) ArtifactRef {
	return ArtifactRef{Kind: ArtifactKindRemoteArchive, Name: name, Path: remotePath}
}

// NewLocalFile references a file in the local filesystem
func NewLocalFile(path string) ArtifactRef {
	return ArtifactRef{Kind: ArtifactKindLocalFile, Name: filepath.Base(path), Path: path}
}

// NewRemoteObject references an object uploaded to offsite storage
func NewRemoteObject(name, location string) ArtifactRef {
	return ArtifactRef{Kind: ArtifactKindRemoteObject, Name: name, Path: location}
}

// IsLocal reports whether the artifact is a local file
func (a ArtifactRef) IsLocal() bool {
	return a.Kind == ArtifactKindLocalFile
}

// StageStatus is the outcome of a single stage
type StageStatus string

const (
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
)

// StageResult records one executed stage
type StageResult struct {
	Stage     Stage         `json:"stage" yaml:"stage"`
	Status    StageStatus   `json:"status" yaml:"status"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Error     *StageError   `json:"error,omitempty" yaml:"error,omitempty"`
	Attempts  int           `json:"attempts" yaml:"attempts"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Success builds a successful StageResult
func Success(stage Stage, artifacts ...ArtifactRef) StageResult {
	return StageResult{Stage: stage, Status: StageStatusSucceeded, Artifacts: artifacts, Attempts: 1}
}

// Failure builds a failed StageResult
func Failure(stage Stage, err *StageError) StageResult {
	return StageResult{Stage: stage, Status: StageStatusFailed, Error: err, Attempts: 1}
}

// Succeeded reports whether the stage succeeded
func (r StageResult) Succeeded() bool {
	return r.Status == StageStatusSucceeded
}

// Artifact returns the first artifact of a successful stage
func (r StageResult) Artifact() (ArtifactRef, bool) {
	if len(r.Artifacts) == 0 {
		return ArtifactRef{}, false
	}
	return r.Artifacts[0], true
}

// RunStatus is the overall status of a pipeline run
type RunStatus string

const (
	RunStatusCompleted          RunStatus = "Completed"
	RunStatusPartiallyCompleted RunStatus = "PartiallyCompleted"
	RunStatusAborted            RunStatus = "Aborted"
)

// SkippedStage records a stage that did not run and why
type SkippedStage struct {
	Stage  Stage  `json:"stage" yaml:"stage"`
	Reason string `json:"reason" yaml:"reason"`
}

// PipelineOutcome is the finalized record of a run
type PipelineOutcome struct {
	RunID      string         `json:"run_id" yaml:"run_id"`
	Status     RunStatus      `json:"status" yaml:"status"`
	StartedAt  time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time      `json:"finished_at" yaml:"finished_at"`
	Results    []StageResult  `json:"results" yaml:"results"`
	Skipped    []SkippedStage `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Artifacts  []ArtifactRef  `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// Duration returns the wall time of the run
func (o PipelineOutcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Failures returns the results of every failed stage
func (o PipelineOutcome) Failures() []StageResult {
	var failures []StageResult
	for _, r := range o.Results {
		if !r.Succeeded() {
			failures = append(failures, r)
		}
	}
	return failures
}

// Result returns the result recorded for a stage, if it ran
func (o PipelineOutcome) Result(stage Stage) (StageResult, bool) {
	for _, r := range o.Results {
		if r.Stage == stage {
			return r, true
		}
	}
	return StageResult{}, false
}

// WasSkipped reports whether the stage was skipped
func (o PipelineOutcome) WasSkipped(stage Stage) bool {
	for _, s := range o.Skipped {
		if s.Stage == stage {
			return true
		}
	}
	return false
}

// Err joins the diagnostics of every failed stage; nil for a completed run
func (o PipelineOutcome) Err() error {
	var errs []error
	for _, r := range o.Failures() {
		if r.Error != nil {
			errs = append(errs, r.Error)
		}
	}
	return errors.Join(errs...)
}

// outcomeBuilder accumulates results during a run. Only finalize hands out the outcome.
type outcomeBuilder struct {
	outcome   PipelineOutcome
	aborted   bool
	finalized bool
}

func newOutcomeBuilder(runID string, startedAt time.Time) *outcomeBuilder {
	return &outcomeBuilder{
		outcome: PipelineOutcome{
			RunID:     runID,
			StartedAt: startedAt,
		},
	}
}

func (b *outcomeBuilder) record(result StageResult) {
	b.outcome.Results = append(b.outcome.Results, result)
	switch {
	case !result.Succeeded():
		if result.Stage.Required() {
			b.aborted = true
		}
		// a failed stage may still have moved files
		if result.Stage.relocates() && len(result.Artifacts) > 0 {
			b.relocate(result.Artifacts)
		}
	case result.Stage.relocates():
		b.relocate(result.Artifacts)
	default:
		b.outcome.Artifacts = append(b.outcome.Artifacts, result.Artifacts...)
	}
}

// relocate replaces the local artifacts with refs to their new location
func (b *outcomeBuilder) relocate(refs []ArtifactRef) {
	kept := make([]ArtifactRef, 0, len(b.outcome.Artifacts)+len(refs))
	for _, a := range b.outcome.Artifacts {
		if !a.IsLocal() {
			kept = append(kept, a)
		}
	}
	b.outcome.Artifacts = append(kept, refs...)
}

// localArtifacts returns the local files produced so far
func (b *outcomeBuilder) localArtifacts() []ArtifactRef {
	var local []ArtifactRef
	for _, a := range b.outcome.Artifacts {
		if a.IsLocal() {
			local = append(local, a)
		}
	}
	return local
}

func (b *outcomeBuilder) skip(reason string, stages ...Stage) {
	for _, stage := range stages {
		b.outcome.Skipped = append(b.outcome.Skipped, SkippedStage{Stage: stage, Reason: reason})
	}
}

func (b *outcomeBuilder) finalize(finishedAt time.Time) PipelineOutcome {
	if b.finalized {
		panic("pipeline: outcome finalized twice")
	}
	b.finalized = true

	status := RunStatusCompleted
	switch {
	case b.aborted:
		status = RunStatusAborted
	case len(b.outcome.Failures()) > 0:
		status = RunStatusPartiallyCompleted
	}

	out := b.outcome
	out.Status = status
	out.FinishedAt = finishedAt
	out.Results = append([]StageResult(nil), b.outcome.Results...)
	out.Skipped = append([]SkippedStage(nil), b.outcome.Skipped...)
	out.Artifacts = append([]ArtifactRef(nil), b.outcome.Artifacts...)
	return out
}

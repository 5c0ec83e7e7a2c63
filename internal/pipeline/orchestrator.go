package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "site-backup/internal/errors"
	"site-backup/internal/logging"
)

// Skip reasons recorded in PipelineOutcome.Skipped
const (
	SkipReasonDisabled         = "disabled"
	SkipReasonArchiveFailed    = "archive failed"
	SkipReasonTransferFailed   = "transfer failed"
	SkipReasonEncryptionFailed = "encryption failed"
)

// Stages holds the stage implementations of a run. A nil optional stage is disabled;
// Archiver and Transferer are mandatory.
type Stages struct {
	Archiver   Archiver
	Transferer Transferer
	Dumper     Dumper
	Encrypter  Encrypter
	Uploader   Uploader
	Publisher  Publisher
}

// Options controls how the orchestrator runs the stages
type Options struct {
	// RunID identifies the run; a random UUID is used when empty
	RunID string
	// Retry bounds the attempts of the archive and transfer stages
	Retry apperrors.RetryConfig
	// Timeout bounds the whole run; zero means no limit
	Timeout time.Duration
	// SkipDatabaseAfterTransferFailure skips the database stage when the transfer
	// failed. By default the dump still runs; the run is aborted either way.
	SkipDatabaseAfterTransferFailure bool
	// RequireEncryption skips upload and publish when encryption failed
	RequireEncryption bool
	Clock             func() time.Time
}

// Orchestrator sequences the backup stages of a single run
type Orchestrator struct {
	stages   Stages
	opts     Options
	logger   *logging.Logger
	observer Observer
}

// NewOrchestrator creates an orchestrator. observer may be nil.
func NewOrchestrator(stages Stages, opts Options, logger *logging.Logger, observer Observer) (*Orchestrator, error) {
	if stages.Archiver == nil {
		return nil, errors.New("pipeline: archiver is required")
	}
	if stages.Transferer == nil {
		return nil, errors.New("pipeline: transferer is required")
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if observer == nil {
		observer = nopObserver{}
	}

	return &Orchestrator{
		stages:   stages,
		opts:     opts,
		logger:   logger,
		observer: observer,
	}, nil
}

// RunID returns the identifier of the run
func (o *Orchestrator) RunID() string {
	return o.opts.RunID
}

// Run executes the pipeline once and returns the finalized outcome
func (o *Orchestrator) Run(ctx context.Context) PipelineOutcome {
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}
	ctx = logging.ContextWithRunID(ctx, o.opts.RunID)

	b := newOutcomeBuilder(o.opts.RunID, o.opts.Clock())
	o.logger.WithContext(ctx).Info("Backup run started")

	archive := o.runStage(ctx, b, StageArchive, true, func(ctx context.Context) ([]ArtifactRef, error) {
		ref, err := o.stages.Archiver.CreateArchive(ctx)
		return []ArtifactRef{ref}, err
	})
	if !archive.Succeeded() {
		o.skip(b, SkipReasonArchiveFailed, StageTransfer, StageDatabase, StageEncrypt, StageUpload, StagePublish)
		return o.finish(ctx, b)
	}

	remoteArchive, _ := archive.Artifact()
	transfer := o.runStage(ctx, b, StageTransfer, true, func(ctx context.Context) ([]ArtifactRef, error) {
		ref, err := o.stages.Transferer.Fetch(ctx, remoteArchive)
		return []ArtifactRef{ref}, err
	})
	if !transfer.Succeeded() {
		if o.opts.SkipDatabaseAfterTransferFailure {
			o.skip(b, SkipReasonTransferFailed, StageDatabase)
		} else {
			o.runDatabase(ctx, b)
		}
		o.skip(b, SkipReasonTransferFailed, StageEncrypt, StageUpload, StagePublish)
		return o.finish(ctx, b)
	}

	o.runDatabase(ctx, b)

	encryptionFailed := false
	if o.stages.Encrypter == nil {
		o.skip(b, SkipReasonDisabled, StageEncrypt)
	} else {
		result := o.runStage(ctx, b, StageEncrypt, false, func(ctx context.Context) ([]ArtifactRef, error) {
			return o.stages.Encrypter.Encrypt(ctx, b.localArtifacts())
		})
		encryptionFailed = !result.Succeeded()
	}
	blocked := encryptionFailed && o.opts.RequireEncryption

	switch {
	case o.stages.Uploader == nil:
		o.skip(b, SkipReasonDisabled, StageUpload)
	case blocked:
		o.skip(b, SkipReasonEncryptionFailed, StageUpload)
	default:
		o.runStage(ctx, b, StageUpload, false, func(ctx context.Context) ([]ArtifactRef, error) {
			return o.stages.Uploader.Upload(ctx, b.localArtifacts())
		})
	}

	switch {
	case o.stages.Publisher == nil:
		o.skip(b, SkipReasonDisabled, StagePublish)
	case blocked:
		o.skip(b, SkipReasonEncryptionFailed, StagePublish)
	default:
		o.runStage(ctx, b, StagePublish, false, func(ctx context.Context) ([]ArtifactRef, error) {
			return o.stages.Publisher.Publish(ctx, b.localArtifacts())
		})
	}

	return o.finish(ctx, b)
}

func (o *Orchestrator) runDatabase(ctx context.Context, b *outcomeBuilder) {
	if o.stages.Dumper == nil {
		o.skip(b, SkipReasonDisabled, StageDatabase)
		return
	}
	o.runStage(ctx, b, StageDatabase, false, func(ctx context.Context) ([]ArtifactRef, error) {
		ref, err := o.stages.Dumper.Dump(ctx)
		return []ArtifactRef{ref}, err
	})
}

// runStage executes one stage, retrying recoverable failures when retry is set, and
// records the result.
func (o *Orchestrator) runStage(ctx context.Context, b *outcomeBuilder, stage Stage, retry bool,
	fn func(ctx context.Context) ([]ArtifactRef, error)) StageResult {
	startedAt := o.opts.Clock()
	begin := time.Now()
	done := o.logger.LogStageStart(string(stage), map[string]interface{}{"run_id": o.opts.RunID})

	var artifacts []ArtifactRef
	attempts := 0
	attempt := func(ctx context.Context) error {
		attempts++
		o.observer.StageStarted(stage, attempts)
		refs, err := fn(ctx)
		if err != nil {
			if stage.relocates() {
				artifacts = refs
			}
			return err
		}
		artifacts = refs
		return nil
	}

	var err error
	switch {
	case ctx.Err() != nil:
		err = fmt.Errorf("stage not started: %w", ctx.Err())
	case retry && o.opts.Retry.MaxAttempts > 1:
		handler := apperrors.NewRetryHandler(o.opts.Retry)
		handler.OnRetry(func(next int, err error, delay time.Duration) {
			o.logger.LogRetry(string(stage), next, delay, err)
			o.observer.StageRetrying(stage, next, err, delay)
		})
		err = handler.Retry(ctx, attempt)
	default:
		err = attempt(ctx)
	}

	var result StageResult
	if err != nil {
		result = Failure(stage, AsStageError(stage, err))
		result.Artifacts = artifacts
	} else {
		result = Success(stage, artifacts...)
	}
	result.Attempts = attempts
	result.StartedAt = startedAt
	result.Duration = time.Since(begin)

	done(err)
	b.record(result)
	o.observer.StageFinished(result)
	return result
}

func (o *Orchestrator) skip(b *outcomeBuilder, reason string, stages ...Stage) {
	b.skip(reason, stages...)
	for _, stage := range stages {
		o.logger.WithFields(map[string]interface{}{
			"stage":  stage,
			"reason": reason,
		}).Debug("Stage skipped")
		o.observer.StageSkipped(stage, reason)
	}
}

func (o *Orchestrator) finish(ctx context.Context, b *outcomeBuilder) PipelineOutcome {
	outcome := b.finalize(o.opts.Clock())

	entry := o.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"status":   outcome.Status,
		"stages":   len(outcome.Results),
		"failures": len(outcome.Failures()),
		"duration": outcome.Duration().String(),
	})
	if outcome.Status == RunStatusCompleted {
		entry.Info("Backup run finished")
	} else {
		entry.Warn("Backup run finished with failures")
	}
	return outcome
}

package pipeline

import (
	"context"
	"time"
)

// Archiver creates a compressed archive of the site on the remote host
type Archiver interface {
	CreateArchive(ctx context.Context) (ArtifactRef, error)
}

// Transferer retrieves a remote archive into the local staging directory
type Transferer interface {
	Fetch(ctx context.Context, archive ArtifactRef) (ArtifactRef, error)
}

// Dumper produces a local SQL dump of the configured database
type Dumper interface {
	Dump(ctx context.Context) (ArtifactRef, error)
}

// Encrypter replaces local artifacts with encrypted copies. The returned refs
// supersede the local refs that were passed in.
type Encrypter interface {
	Encrypt(ctx context.Context, artifacts []ArtifactRef) ([]ArtifactRef, error)
}

// Uploader copies local artifacts to offsite storage and returns one remote
// object ref per uploaded file.
type Uploader interface {
	Upload(ctx context.Context, artifacts []ArtifactRef) ([]ArtifactRef, error)
}

// Publisher commits local artifacts into a repository. The returned refs give the
// new location of every moved artifact. A failed publish that already moved files
// returns their current location together with the error.
type Publisher interface {
	Publish(ctx context.Context, artifacts []ArtifactRef) ([]ArtifactRef, error)
}

// Observer receives stage lifecycle events as the run progresses
type Observer interface {
	StageStarted(stage Stage, attempt int)
	StageRetrying(stage Stage, attempt int, err error, delay time.Duration)
	StageFinished(result StageResult)
	StageSkipped(stage Stage, reason string)
}

type nopObserver struct{}

func (nopObserver) StageStarted(Stage, int) {}
func (nopObserver) StageRetrying(Stage, int, error, time.Duration) {}
func (nopObserver) StageFinished(StageResult) {}
func (nopObserver) StageSkipped(Stage, string) {}

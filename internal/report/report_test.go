package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-backup/internal/config"
	"site-backup/internal/pipeline"
)

func sampleOutcome() pipeline.PipelineOutcome {
	start := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	archive := pipeline.NewLocalFile("/var/backups/site/app.tar.gz")
	archive.Size = 1024
	archive.Checksum = "sha256:abc"

	dumpErr := pipeline.NewDatabaseUnreachableError("dial tcp 10.0.0.5:3306: connection refused", nil).
		WithContext("host", "10.0.0.5")

	return pipeline.PipelineOutcome{
		RunID:      "6f1c",
		Status:     pipeline.RunStatusPartiallyCompleted,
		StartedAt:  start,
		FinishedAt: start.Add(42 * time.Second),
		Results: []pipeline.StageResult{
			pipeline.Success(pipeline.StageTransfer, archive),
			pipeline.Failure(pipeline.StageDatabase, dumpErr),
		},
		Skipped:   []pipeline.SkippedStage{{Stage: pipeline.StagePublish, Reason: pipeline.SkipReasonDisabled}},
		Artifacts: []pipeline.ArtifactRef{archive},
	}
}

func TestWriteAndRead(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "reports")
			w := NewWriter(config.ReportConfig{Enabled: true, Dir: dir, Format: format}, "1.2.0", "example.com")

			path, err := w.Write(sampleOutcome())
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, "run-20260314_092653-6f1c."+format), path)

			r, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, "1.2.0", r.Version)
			assert.Equal(t, "example.com", r.Host)
			assert.Equal(t, "42s", r.Duration)
			assert.Equal(t, "6f1c", r.Outcome.RunID)
			assert.Equal(t, pipeline.RunStatusPartiallyCompleted, r.Outcome.Status)
			assert.True(t, r.Outcome.StartedAt.Equal(sampleOutcome().StartedAt))

			require.Len(t, r.Outcome.Results, 2)
			failed := r.Outcome.Results[1]
			require.NotNil(t, failed.Error)
			assert.Equal(t, pipeline.ErrorKindDatabaseUnreachable, failed.Error.Kind)
			assert.Equal(t, "10.0.0.5", failed.Error.Context["host"])

			require.Len(t, r.Outcome.Artifacts, 1)
			assert.Equal(t, "sha256:abc", r.Outcome.Artifacts[0].Checksum)
			assert.True(t, r.Outcome.WasSkipped(pipeline.StagePublish))

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestEncodeUnsupportedFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, "xml", Report{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported report format: xml")
}

func TestWriteUnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0600))

	w := NewWriter(config.ReportConfig{Dir: filepath.Join(file, "reports"), Format: "json"}, "dev", "")
	_, err := w.Write(sampleOutcome())
	assert.Error(t, err)
}

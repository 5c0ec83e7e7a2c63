package offsite

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-backup/internal/config"
	"site-backup/internal/pipeline"
)

var runTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func fixedClock() time.Time { return runTime }

func writeArtifact(t *testing.T, dir, name, content string) pipeline.ArtifactRef {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	ref := pipeline.NewLocalFile(path)
	ref.Size = int64(len(content))
	ref.Checksum = "sha256:test-" + name
	return ref
}

type putCall struct {
	key, path string
}

type fakeStorage struct {
	calls  []putCall
	failOn string
}

func (f *fakeStorage) Name() string { return "fake" }

func (f *fakeStorage) Put(_ context.Context, key, localPath string) (string, error) {
	f.calls = append(f.calls, putCall{key: key, path: localPath})
	if f.failOn != "" && strings.HasSuffix(key, f.failOn) {
		return "", errors.New("503 Slow Down")
	}
	return "fake://" + key, nil
}

func TestUploaderKey(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "site-backup", want: "site-backup/20260314_092653/app.tar.gz"},
		{prefix: "/nested/prefix/", want: "nested/prefix/20260314_092653/app.tar.gz"},
		{prefix: "", want: "20260314_092653/app.tar.gz"},
	}
	for _, tt := range tests {
		u := NewUploader(config.OffsiteConfig{Prefix: tt.prefix}, nil)
		assert.Equal(t, tt.want, u.Key(runTime, "app.tar.gz"))
	}
}

func TestUploaderLocalStorage(t *testing.T) {
	staging := t.TempDir()
	base := filepath.Join(t.TempDir(), "mnt", "backups")
	archive := writeArtifact(t, staging, "app.tar.gz", "archive bytes")
	dump := writeArtifact(t, staging, "data.sql", "dump bytes")
	published := pipeline.NewRemoteObject("app.tar.gz", "s3://elsewhere/app.tar.gz")

	cfg := config.OffsiteConfig{
		Enabled:  true,
		Provider: config.ProviderLocal,
		Prefix:   "site-backup",
		Local:    config.LocalConfig{BasePath: base},
	}
	u := NewUploader(cfg, nil, WithClock(fixedClock))

	refs, err := u.Upload(context.Background(), []pipeline.ArtifactRef{archive, published, dump})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	for i, src := range []pipeline.ArtifactRef{archive, dump} {
		want := filepath.Join(base, "site-backup", "20260314_092653", src.Name)
		assert.Equal(t, pipeline.ArtifactKindRemoteObject, refs[i].Kind)
		assert.Equal(t, src.Name, refs[i].Name)
		assert.Equal(t, want, refs[i].Path)
		assert.Equal(t, src.Size, refs[i].Size)
		assert.Equal(t, src.Checksum, refs[i].Checksum)

		content, err := os.ReadFile(want)
		require.NoError(t, err)
		expected, err := os.ReadFile(src.Path)
		require.NoError(t, err)
		assert.Equal(t, expected, content)
	}

	// The local copies stay in staging
	assert.FileExists(t, archive.Path)
	assert.FileExists(t, dump.Path)
}

func TestUploaderFailure(t *testing.T) {
	staging := t.TempDir()
	archive := writeArtifact(t, staging, "app.tar.gz", "archive")
	dump := writeArtifact(t, staging, "data.sql", "dump")

	storage := &fakeStorage{failOn: "data.sql"}
	u := NewUploader(config.OffsiteConfig{Prefix: "p"}, nil, WithStorage(storage), WithClock(fixedClock))

	refs, err := u.Upload(context.Background(), []pipeline.ArtifactRef{archive, dump})
	require.Error(t, err)
	assert.Nil(t, refs)
	assert.Equal(t, pipeline.ErrorKindUpload, pipeline.KindOf(err))
	assert.Contains(t, err.Error(), "upload data.sql: 503 Slow Down")

	var stageErr *pipeline.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, "fake", stageErr.Context["provider"])
	assert.Equal(t, "p/20260314_092653/data.sql", stageErr.Context["key"])
	assert.Equal(t, 1, stageErr.Context["uploaded"])
	assert.Len(t, storage.calls, 2)
}

func TestUploaderNoLocalArtifacts(t *testing.T) {
	u := NewUploader(config.OffsiteConfig{}, nil, WithStorage(&fakeStorage{}))
	_, err := u.Upload(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no local artifacts")
}

func TestUploaderProviderError(t *testing.T) {
	dir := t.TempDir()
	u := NewUploader(config.OffsiteConfig{Provider: "tape"}, nil)

	_, err := u.Upload(context.Background(), []pipeline.ArtifactRef{writeArtifact(t, dir, "a", "b")})
	require.Error(t, err)
	assert.Equal(t, pipeline.ErrorKindUpload, pipeline.KindOf(err))
	assert.Contains(t, err.Error(), "unsupported storage provider: tape")
}

func TestNewStorage(t *testing.T) {
	ctx := context.Background()

	local, err := NewStorage(ctx, config.OffsiteConfig{
		Provider: config.ProviderLocal,
		Local:    config.LocalConfig{BasePath: t.TempDir()},
	})
	require.NoError(t, err)
	assert.Equal(t, config.ProviderLocal, local.Name())

	_, err = NewStorage(ctx, config.OffsiteConfig{Provider: config.ProviderLocal})
	assert.Error(t, err)

	_, err = NewStorage(ctx, config.OffsiteConfig{
		Provider: config.ProviderAzure,
		Azure:    config.AzureConfig{AccountName: "acct", AccountKey: "not base64!", ContainerName: "c"},
	})
	assert.Error(t, err)

	gcs, err := NewStorage(ctx, config.OffsiteConfig{
		Provider: config.ProviderGCS,
		GCS:      config.GCSConfig{Bucket: "b", Endpoint: "http://127.0.0.1:1/storage/v1/"},
	})
	require.NoError(t, err)
	assert.Equal(t, config.ProviderGCS, gcs.Name())
	assert.NoError(t, gcs.(io.Closer).Close())

	assert.Equal(t, []string{"azure", "gcs", "local", "minio", "s3"}, SupportedProviders())
}

// objectServer records the requests of an S3 or Azure style endpoint
type objectServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []string
	bodies   map[string]string
}

func newObjectServer(t *testing.T, status int) *objectServer {
	t.Helper()
	s := &objectServer{bodies: make(map[string]string)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.bodies[r.URL.Path] = string(body)
		s.mu.Unlock()

		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(status)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *objectServer) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *objectServer) Body(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[path]
}

func TestS3Storage(t *testing.T) {
	server := newObjectServer(t, http.StatusOK)
	file := writeArtifact(t, t.TempDir(), "app.tar.gz", "archive bytes")

	s, err := NewS3Storage(config.S3Config{
		Bucket:         "backups",
		Region:         "us-east-1",
		AccessKey:      "AKIDEXAMPLE",
		SecretKey:      "secret",
		Endpoint:       server.URL,
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	location, err := s.Put(context.Background(), "site-backup/20260314_092653/app.tar.gz", file.Path)
	require.NoError(t, err)
	assert.Equal(t, "s3://backups/site-backup/20260314_092653/app.tar.gz", location)
	assert.Equal(t, []string{"PUT /backups/site-backup/20260314_092653/app.tar.gz"}, server.Requests())
	assert.Equal(t, "archive bytes", server.Body("/backups/site-backup/20260314_092653/app.tar.gz"))
}

func TestMinioStorage(t *testing.T) {
	server := newObjectServer(t, http.StatusOK)
	file := writeArtifact(t, t.TempDir(), "data.sql", "dump bytes")

	s, err := NewMinioStorage(config.MinioConfig{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Bucket:    "backups",
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	location, err := s.Put(context.Background(), "site-backup/x/data.sql", file.Path)
	require.NoError(t, err)
	assert.Equal(t, "minio://backups/site-backup/x/data.sql", location)
	assert.Contains(t, server.Requests(), "PUT /backups/site-backup/x/data.sql")
}

func TestAzureStorage(t *testing.T) {
	server := newObjectServer(t, http.StatusCreated)
	file := writeArtifact(t, t.TempDir(), "app.tar.gz", "archive bytes")

	s, err := NewAzureStorage(config.AzureConfig{
		AccountName:   "devstoreaccount1",
		AccountKey:    base64.StdEncoding.EncodeToString([]byte("azure-test-key")),
		ContainerName: "backups",
		Endpoint:      server.URL,
	})
	require.NoError(t, err)

	location, err := s.Put(context.Background(), "site-backup/x/app.tar.gz", file.Path)
	require.NoError(t, err)
	assert.Equal(t, "azure://backups/site-backup/x/app.tar.gz", location)
	assert.Equal(t, []string{"PUT /backups/site-backup/x/app.tar.gz"}, server.Requests())
	assert.Equal(t, "archive bytes", server.Body("/backups/site-backup/x/app.tar.gz"))
}

func TestS3StorageServerError(t *testing.T) {
	server := newObjectServer(t, http.StatusForbidden)
	file := writeArtifact(t, t.TempDir(), "app.tar.gz", "archive bytes")

	s, err := NewS3Storage(config.S3Config{
		Bucket:         "backups",
		Region:         "us-east-1",
		AccessKey:      "AKIDEXAMPLE",
		SecretKey:      "secret",
		Endpoint:       server.URL,
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "k", file.Path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload to S3")
}

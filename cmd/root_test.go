package cmd

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-backup/internal/config"
	"site-backup/internal/crypt"
	apperrors "site-backup/internal/errors"
	"site-backup/internal/pipeline"
	"site-backup/internal/report"
)

const validConfig = `staging_dir: %STAGING%
remote:
  host: www.example.com
  username: deploy
  password: secret
  source_path: /var/www/html
  backup_path: /home/deploy/backup
transfer:
  username: deploy
  password: secret
database:
  enabled: true
  host: localhost
  username: root
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.yaml")
	content = strings.ReplaceAll(content, "%STAGING%", filepath.Join(dir, "staging"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "2026-03-14", "abc123")
	defer SetVersionInfo("dev", "unknown", "unknown")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "site-backup version 1.2.3")
	assert.Contains(t, out, "Commit: abc123")
}

func TestConfigCommand(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Equal(t, config.SampleConfig, out)
}

func TestConfigCheck(t *testing.T) {
	t.Run("database without a name", func(t *testing.T) {
		path := writeConfig(t, validConfig)
		out, err := execute(t, "--config", path, "config", "--check")
		require.Error(t, err)
		assert.Contains(t, out, "Configuration has errors:")
		assert.Contains(t, out, "database.name")
	})

	t.Run("valid", func(t *testing.T) {
		path := writeConfig(t, validConfig+"  name: wordpress\n")
		out, err := execute(t, "--config", path, "config", "--check")
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration is valid ("+path+")")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "config", "--check")
		assert.ErrorContains(t, err, "failed to read config file")
	})
}

func TestLoadConfigFlags(t *testing.T) {
	path := writeConfig(t, validConfig)

	tests := []struct {
		name  string
		opts  rootOptions
		check func(t *testing.T, cfg *config.Config, err error)
	}{
		{
			name: "database enabled without a name fails",
			opts: rootOptions{cfgFile: path},
			check: func(t *testing.T, cfg *config.Config, err error) {
				var verrs config.ValidationErrors
				require.ErrorAs(t, err, &verrs)
				assert.Contains(t, verrs.Fields(), "database.name")
			},
		},
		{
			name: "skip database disables the stage",
			opts: rootOptions{cfgFile: path, skipDatabase: true, skipPublish: true},
			check: func(t *testing.T, cfg *config.Config, err error) {
				require.NoError(t, err)
				assert.False(t, cfg.Database.Enabled)
				assert.False(t, cfg.Publish.Enabled)
				assert.Equal(t, "normal", cfg.Logging.Level)
				assert.True(t, cfg.Encryption.Required)
				assert.True(t, cfg.Report.Enabled)
				assert.Equal(t, "www.example.com", cfg.Transfer.Host)
			},
		},
		{
			name: "verbose raises the log level",
			opts: rootOptions{cfgFile: path, skipDatabase: true, verbose: true},
			check: func(t *testing.T, cfg *config.Config, err error) {
				require.NoError(t, err)
				assert.Equal(t, "verbose", cfg.Logging.Level)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			require.NoError(t, initConfig(v, tt.opts.cfgFile))
			opts := tt.opts
			cfg, err := loadConfig(v, &opts)
			tt.check(t, cfg, err)
		})
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("SITE_BACKUP_REMOTE_HOST", "env.example.com")
	t.Setenv("SITE_BACKUP_TIMEOUT", "5m")

	v := viper.New()
	require.NoError(t, initConfig(v, writeConfig(t, validConfig)))
	cfg, err := loadConfig(v, &rootOptions{skipDatabase: true})
	require.NoError(t, err)
	assert.Equal(t, "env.example.com", cfg.Remote.Host)
	assert.Equal(t, 5*time.Minute, cfg.Timeout)
}

func TestRootCommandRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, validConfig)
	_, err := execute(t, "--config", path)
	assert.ErrorContains(t, err, "configuration error")

	_, err = execute(t, "--config", path, "--verbose", "--quiet")
	assert.Error(t, err)
}

func TestPrintError(t *testing.T) {
	var out bytes.Buffer
	printError(&out, apperrors.WrapError(errors.New("staging directory is locked by another run"), "cannot lock staging directory /srv/backup"))
	assert.Equal(t, "Error: cannot lock staging directory /srv/backup: staging directory is locked by another run\n", out.String())

	out.Reset()
	printError(&out, errors.New("configuration error: remote.host: remote host is required"))
	assert.Equal(t, "Error: configuration error: remote.host: remote host is required\n", out.String())
}

func TestDecryptCommand(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	t.Setenv("SITE_BACKUP_TEST_KEY", hex.EncodeToString(key))

	dir := t.TempDir()
	plain := []byte("CREATE TABLE wp_posts (id int);\n")
	src := filepath.Join(dir, "data.sql.enc")

	keys, err := crypt.RawKey(key)
	require.NoError(t, err)
	var enc bytes.Buffer
	require.NoError(t, crypt.EncryptStream(context.Background(), keys, bytes.NewReader(plain), &enc))
	require.NoError(t, os.WriteFile(src, enc.Bytes(), 0600))

	out, err := execute(t, "decrypt", "--key-env", "SITE_BACKUP_TEST_KEY", src)
	require.NoError(t, err)
	assert.Contains(t, out, "Decrypted "+src)

	got, err := os.ReadFile(filepath.Join(dir, "data.sql"))
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	_, err = execute(t, "decrypt", "--key-env", "SITE_BACKUP_TEST_KEY", src)
	assert.ErrorContains(t, err, "--force")

	_, err = execute(t, "decrypt", "--key-env", "SITE_BACKUP_TEST_KEY", "--force", src)
	assert.NoError(t, err)

	t.Setenv("SITE_BACKUP_WRONG_KEY", hex.EncodeToString(bytes.Repeat([]byte{0x01}, 32)))
	other := filepath.Join(dir, "other.sql")
	_, err = execute(t, "decrypt", "--key-env", "SITE_BACKUP_WRONG_KEY", src, other)
	assert.ErrorContains(t, err, "failed authentication")
	assert.NoFileExists(t, other)
}

func TestDecryptCommandUsesConfiguredKey(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "backup.key")
	key := bytes.Repeat([]byte{0x07}, 32)
	require.NoError(t, os.WriteFile(keyFile, key, 0600))

	keys, err := crypt.RawKey(key)
	require.NoError(t, err)
	var enc bytes.Buffer
	require.NoError(t, crypt.EncryptStream(context.Background(), keys, strings.NewReader("site"), &enc))
	src := filepath.Join(dir, "app.tar.gz.enc")
	require.NoError(t, os.WriteFile(src, enc.Bytes(), 0600))

	path := writeConfig(t, validConfig+"encryption:\n  enabled: true\n  key_file: "+keyFile+"\n")
	_, err = execute(t, "--config", path, "decrypt", src)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "app.tar.gz"))
}

func TestReportCommand(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	outcome := pipeline.PipelineOutcome{
		RunID:      "run-1",
		Status:     pipeline.RunStatusPartiallyCompleted,
		StartedAt:  start,
		FinishedAt: start.Add(42 * time.Second),
		Results: []pipeline.StageResult{
			pipeline.Success(pipeline.StageArchive),
			pipeline.Success(pipeline.StageTransfer),
			pipeline.Failure(pipeline.StageDatabase, pipeline.NewDumpUtilityMissingError("mysqldump not found", nil)),
		},
	}

	path, err := report.NewWriter(config.ReportConfig{Dir: t.TempDir(), Format: "yaml"}, "1.0.0", "backup-host").Write(outcome)
	require.NoError(t, err)

	out, err := execute(t, "report", "--no-color", path)
	require.NoError(t, err)
	assert.Contains(t, out, "site-backup 1.0.0 on backup-host")
	assert.Contains(t, out, "Backup PartiallyCompleted in 42s (run run-1)")
	assert.Contains(t, out, "database  failed (DumpUtilityMissing)")

	_, err = execute(t, "report", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read report")
}

// Package dbdump checks that the MySQL server answers and writes a mysqldump of
// the configured database into the staging directory.
package dbdump

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"site-backup/internal/config"
	"site-backup/internal/fsutil"
	"site-backup/internal/logging"
	"site-backup/internal/pipeline"
	"site-backup/internal/runner"
)

// DumpFileName is the uncompressed name of the dump in the staging directory
const DumpFileName = "data.sql"

// maxStderr bounds the stderr excerpt carried in errors
const maxStderr = 2048

// OpenFunc returns a database handle for the probe
type OpenFunc func(cfg config.DatabaseConfig) (*sql.DB, error)

// OpenMySQL opens a handle through the mysql driver connector
func OpenMySQL(cfg config.DatabaseConfig) (*sql.DB, error) {
	connector, err := mysql.NewConnector(cfg.MySQL())
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(connector), nil
}

// Dumper runs the database stage
type Dumper struct {
	cfg        config.DatabaseConfig
	stagingDir string
	runner     runner.CommandRunner
	open       OpenFunc
	codec      Codec
	logger     *logging.Logger
}

// Option configures a Dumper
type Option func(*Dumper)

// WithOpener replaces the database opener used by the probe
func WithOpener(open OpenFunc) Option {
	return func(d *Dumper) { d.open = open }
}

// NewDumper creates a dumper. The runner resolves and executes the dump utility.
func NewDumper(cfg config.DatabaseConfig, stagingDir string, cmdRunner runner.CommandRunner, logger *logging.Logger, opts ...Option) (*Dumper, error) {
	codec, err := CodecFor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if cmdRunner == nil {
		cmdRunner = runner.NewExecRunner()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	d := &Dumper{
		cfg:        cfg,
		stagingDir: stagingDir,
		runner:     cmdRunner,
		open:       OpenMySQL,
		codec:      codec,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// OutputPath is where the dump is written
func (d *Dumper) OutputPath() string {
	return filepath.Join(d.stagingDir, DumpFileName+d.codec.Extension())
}

// Args returns the dump utility arguments
func (d *Dumper) Args() []string {
	args := []string{
		"-h", d.cfg.Host,
		"-P", strconv.Itoa(d.cfg.Port),
		"-u", d.cfg.Username,
	}
	if d.cfg.Password != "" {
		args = append(args, "-p"+d.cfg.Password)
	}
	args = append(args, "--single-transaction", "--routines", "--triggers", "--events")
	args = append(args, d.cfg.ExtraArgs...)
	return append(args, d.cfg.Name)
}

// Dump probes the server, then streams the dump utility's output into the staging
// directory. Nothing is written when the probe fails or the utility is missing.
func (d *Dumper) Dump(ctx context.Context) (pipeline.ArtifactRef, error) {
	if err := d.Probe(ctx); err != nil {
		return pipeline.ArtifactRef{}, err
	}

	bin, err := d.runner.LookPath(d.cfg.DumpCommand)
	if err != nil {
		return pipeline.ArtifactRef{}, pipeline.NewDumpUtilityMissingError(
			fmt.Sprintf("%s not found; install the MySQL client tools or set database.dump_command", d.cfg.DumpCommand), err)
	}

	if err := os.MkdirAll(d.stagingDir, 0750); err != nil {
		return pipeline.ArtifactRef{}, pipeline.NewDumpExecutionError(
			fmt.Sprintf("create staging directory %s: %v", d.stagingDir, err), err)
	}

	cmd := runner.Command{Name: bin, Args: d.Args()}
	logged := cmd.Redacted()
	output := d.OutputPath()

	d.logger.WithFields(map[string]interface{}{
		"database":    d.cfg.Name,
		"command":     logged,
		"compression": d.codec.Name(),
	}).Debug("Running database dump")

	start := time.Now()
	var result runner.Result
	written, err := fsutil.WriteAtomic(output, 0600, func(w io.Writer) error {
		zw, err := d.codec.NewWriter(w)
		if err != nil {
			return err
		}
		cmd.Stdout = zw

		var runErr error
		result, runErr = d.runner.Run(ctx, cmd)
		closeErr := zw.Close()
		if runErr != nil {
			return runErr
		}
		if !result.Success() {
			return errDumpFailed
		}
		return closeErr
	})
	if err != nil {
		return pipeline.ArtifactRef{}, d.executionError(logged, result, err)
	}

	d.logger.WithFields(map[string]interface{}{
		"database": d.cfg.Name,
		"file":     output,
		"bytes":    written.Size,
		"duration": time.Since(start).String(),
	}).Info("Database dump created")

	ref := pipeline.NewLocalFile(output)
	ref.Size = written.Size
	ref.Checksum = written.Checksum
	return ref, nil
}

var errDumpFailed = errors.New("dump utility exited with non-zero status")

func (d *Dumper) executionError(command string, result runner.Result, err error) error {
	stderr := strings.TrimSpace(string(result.Stderr))
	if len(stderr) > maxStderr {
		stderr = stderr[:maxStderr] + "..."
	}

	detail := err.Error()
	if errors.Is(err, errDumpFailed) {
		detail = fmt.Sprintf("%s exited with status %d", d.cfg.DumpCommand, result.ExitCode)
		if stderr != "" {
			detail += ": " + stderr
		}
		err = nil
	}

	return pipeline.NewDumpExecutionError(detail, err).
		WithContext("database", d.cfg.Name).
		WithContext("command", command).
		WithContext("exit_code", result.ExitCode)
}

// Probe opens a connection and pings the server within the probe timeout
func (d *Dumper) Probe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	start := time.Now()

	db, err := d.open(d.cfg)
	if err != nil {
		d.logger.LogConnection("mysql", addr, false, time.Since(start), err)
		return pipeline.NewDatabaseUnreachableError(fmt.Sprintf("open %s: %v", addr, err), err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			d.logger.WithField("error", cerr.Error()).Debug("Closing probe connection failed")
		}
	}()

	probeCtx := ctx
	if d.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, d.cfg.ProbeTimeout)
		defer cancel()
	}

	if err := db.PingContext(probeCtx); err != nil {
		d.logger.LogConnection("mysql", addr, false, time.Since(start), err)
		return pipeline.NewDatabaseUnreachableError(
			fmt.Sprintf("cannot reach %s/%s: %v", addr, d.cfg.Name, err), err).
			WithContext("database", d.cfg.Name)
	}

	d.logger.LogConnection("mysql", addr, true, time.Since(start), nil)
	return nil
}

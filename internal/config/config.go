package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	apperrors "site-backup/internal/errors"
)

// Config is the run configuration. It is loaded once per run and not modified afterwards.
type Config struct {
	StagingDir    string                `mapstructure:"staging_dir" yaml:"staging_dir"`
	Timeout       time.Duration         `mapstructure:"timeout" yaml:"timeout"`
	Remote        RemoteConfig          `mapstructure:"remote" yaml:"remote"`
	Transfer      TransferConfig        `mapstructure:"transfer" yaml:"transfer"`
	Database      DatabaseConfig        `mapstructure:"database" yaml:"database"`
	Publish       PublishConfig         `mapstructure:"publish" yaml:"publish"`
	Encryption    EncryptionConfig      `mapstructure:"encryption" yaml:"encryption"`
	Offsite       OffsiteConfig         `mapstructure:"offsite" yaml:"offsite"`
	Notifications NotificationsConfig   `mapstructure:"notifications" yaml:"notifications"`
	Report        ReportConfig          `mapstructure:"report" yaml:"report"`
	Retention     RetentionConfig       `mapstructure:"retention" yaml:"retention"`
	Retry         apperrors.RetryConfig `mapstructure:"retry" yaml:"retry"`
	Logging       LoggingConfig         `mapstructure:"logging" yaml:"logging"`
	Display       DisplayConfig         `mapstructure:"display" yaml:"display"`
}

// RemoteConfig describes the ssh endpoint and the paths tar works on
type RemoteConfig struct {
	Host                 string        `mapstructure:"host" yaml:"host"`
	Port                 int           `mapstructure:"port" yaml:"port"`
	Username             string        `mapstructure:"username" yaml:"username"`
	Password             string        `mapstructure:"password" yaml:"password"`
	PrivateKeyPath       string        `mapstructure:"private_key_path" yaml:"private_key_path"`
	PrivateKeyPassphrase string        `mapstructure:"private_key_passphrase" yaml:"private_key_passphrase"`
	KnownHostsPath       string        `mapstructure:"known_hosts_path" yaml:"known_hosts_path"`
	SourcePath           string        `mapstructure:"source_path" yaml:"source_path"`
	BackupPath           string        `mapstructure:"backup_path" yaml:"backup_path"`
	IgnoreStderr         []string      `mapstructure:"ignore_stderr" yaml:"ignore_stderr"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// Address returns host:port
func (rc RemoteConfig) Address() string {
	return fmt.Sprintf("%s:%d", rc.Host, rc.Port)
}

// Transfer protocols
const (
	ProtocolFTP  = "ftp"
	ProtocolSFTP = "sftp"
)

// TransferConfig describes how the remote archive is fetched
type TransferConfig struct {
	Protocol       string        `mapstructure:"protocol" yaml:"protocol"`
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	Username       string        `mapstructure:"username" yaml:"username"`
	Password       string        `mapstructure:"password" yaml:"password"`
	PrivateKeyPath string        `mapstructure:"private_key_path" yaml:"private_key_path"`
	KnownHostsPath string        `mapstructure:"known_hosts_path" yaml:"known_hosts_path"`
	RemoteDir      string        `mapstructure:"remote_dir" yaml:"remote_dir"`
	LocalName      string        `mapstructure:"local_name" yaml:"local_name"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ExplicitTLS    bool          `mapstructure:"explicit_tls" yaml:"explicit_tls"`
}

// Address returns host:port
func (tc TransferConfig) Address() string {
	return fmt.Sprintf("%s:%d", tc.Host, tc.Port)
}

// Dump compression codecs
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// DatabaseConfig holds the MySQL connection and dump settings
type DatabaseConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	Host               string        `mapstructure:"host" yaml:"host"`
	Port               int           `mapstructure:"port" yaml:"port"`
	Username           string        `mapstructure:"username" yaml:"username"`
	Password           string        `mapstructure:"password" yaml:"password"`
	Name               string        `mapstructure:"name" yaml:"name"`
	DumpCommand        string        `mapstructure:"dump_command" yaml:"dump_command"`
	ExtraArgs          []string      `mapstructure:"extra_args" yaml:"extra_args"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	Compression        string        `mapstructure:"compression" yaml:"compression"`
	RunWithoutTransfer bool          `mapstructure:"run_without_transfer" yaml:"run_without_transfer"`
}

// MySQL returns the driver configuration used by the reachability probe
func (dc DatabaseConfig) MySQL() *mysql.Config {
	mc := mysql.NewConfig()
	mc.User = dc.Username
	mc.Passwd = dc.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", dc.Host, dc.Port)
	mc.DBName = dc.Name
	mc.Timeout = dc.ProbeTimeout
	return mc
}

// DSN returns the Data Source Name used by the reachability probe
func (dc DatabaseConfig) DSN() string {
	return dc.MySQL().FormatDSN()
}

// Publish drivers
const (
	DriverGitCLI = "git"
	DriverGoGit  = "go-git"
)

// PublishConfig describes the repository the artifacts are committed to
type PublishConfig struct {
	Enabled          bool   `mapstructure:"enabled" yaml:"enabled"`
	Repository       string `mapstructure:"repository" yaml:"repository"`
	Driver           string `mapstructure:"driver" yaml:"driver"`
	Branch           string `mapstructure:"branch" yaml:"branch"`
	Username         string `mapstructure:"username" yaml:"username"`
	Token            string `mapstructure:"token" yaml:"token"`
	AuthorName       string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail      string `mapstructure:"author_email" yaml:"author_email"`
	GitCommand       string `mapstructure:"git_command" yaml:"git_command"`
	CleanupOnSuccess bool   `mapstructure:"cleanup_on_success" yaml:"cleanup_on_success"`
}

// EncryptionConfig selects where the artifact key comes from. Exactly one source is used.
type EncryptionConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Required      bool   `mapstructure:"required" yaml:"required"`
	KeyEnv        string `mapstructure:"key_env" yaml:"key_env"`
	KeyFile       string `mapstructure:"key_file" yaml:"key_file"`
	PassphraseEnv string `mapstructure:"passphrase_env" yaml:"passphrase_env"`
}

// Offsite storage providers
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
	ProviderAzure = "azure"
	ProviderGCS   = "gcs"
	ProviderMinio = "minio"
)

// OffsiteConfig defines storage provider configuration
type OffsiteConfig struct {
	Enabled  bool        `mapstructure:"enabled" yaml:"enabled"`
	Provider string      `mapstructure:"provider" yaml:"provider"`
	Prefix   string      `mapstructure:"prefix" yaml:"prefix"`
	Local    LocalConfig `mapstructure:"local" yaml:"local"`
	S3       S3Config    `mapstructure:"s3" yaml:"s3"`
	Azure    AzureConfig `mapstructure:"azure" yaml:"azure"`
	GCS      GCSConfig   `mapstructure:"gcs" yaml:"gcs"`
	Minio    MinioConfig `mapstructure:"minio" yaml:"minio"`
}

// LocalConfig for a local or mounted directory
type LocalConfig struct {
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// S3Config for Amazon S3 storage
type S3Config struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	Region         string `mapstructure:"region" yaml:"region"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// Endpoint overrides https://<account>.blob.core.windows.net, e.g. for Azurite
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
	// Endpoint points the client at an emulator; requests are then unauthenticated
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// MinioConfig for MinIO or any other S3 compatible server
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Region    string `mapstructure:"region" yaml:"region"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// Notification triggers
const (
	NotifyOnFailure = "failure"
	NotifyOnAlways  = "always"
)

// NotificationsConfig configures where run results are sent
type NotificationsConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	On      string        `mapstructure:"on" yaml:"on"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Webhook WebhookConfig `mapstructure:"webhook" yaml:"webhook"`
	Slack   SlackConfig   `mapstructure:"slack" yaml:"slack"`
	File    FileConfig    `mapstructure:"file" yaml:"file"`
}

// WebhookConfig posts the outcome as JSON
type WebhookConfig struct {
	URL     string            `mapstructure:"url" yaml:"url"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// SlackConfig posts to a Slack incoming webhook
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
	Channel    string `mapstructure:"channel" yaml:"channel"`
	Username   string `mapstructure:"username" yaml:"username"`
}

// FileConfig appends outcomes to a local file
type FileConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ReportConfig controls the run report written after every run
type ReportConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Format  string `mapstructure:"format" yaml:"format"`
}

// RetentionConfig prunes run reports and local offsite runs after a completed
// run. An entry survives when any rule keeps it; all zero disables pruning.
type RetentionConfig struct {
	KeepLast  int           `mapstructure:"keep_last" yaml:"keep_last"`
	MaxAge    time.Duration `mapstructure:"max_age" yaml:"max_age"`
	KeepDaily int           `mapstructure:"keep_daily" yaml:"keep_daily"`
}

// Enabled reports whether any rule is set
func (rc RetentionConfig) Enabled() bool {
	return rc.KeepLast > 0 || rc.MaxAge > 0 || rc.KeepDaily > 0
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// DisplayConfig holds terminal output settings
type DisplayConfig struct {
	NoColor bool `mapstructure:"no_color" yaml:"no_color"`
	Quiet   bool `mapstructure:"quiet" yaml:"quiet"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{
		Database:   DatabaseConfig{RunWithoutTransfer: true},
		Publish:    PublishConfig{CleanupOnSuccess: true},
		Encryption: EncryptionConfig{Required: true},
		Report:     ReportConfig{Enabled: true},
	}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values with defaults. Boolean defaults that are true
// (encryption.required, database.run_without_transfer, publish.cleanup_on_success)
// come from Default and are registered by the loader.
func (c *Config) SetDefaults() {
	if c.StagingDir == "" {
		c.StagingDir = "backup"
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Hour
	}

	if c.Remote.Port == 0 {
		c.Remote.Port = 22
	}
	if c.Remote.ConnectTimeout == 0 {
		c.Remote.ConnectTimeout = 30 * time.Second
	}

	if c.Transfer.Protocol == "" {
		c.Transfer.Protocol = ProtocolFTP
	}
	c.Transfer.Protocol = strings.ToLower(c.Transfer.Protocol)
	if c.Transfer.Host == "" {
		c.Transfer.Host = c.Remote.Host
	}
	if c.Transfer.Port == 0 {
		if c.Transfer.Protocol == ProtocolSFTP {
			c.Transfer.Port = c.Remote.Port
		} else {
			c.Transfer.Port = 21
		}
	}
	if c.Transfer.RemoteDir == "" {
		c.Transfer.RemoteDir = "../backup"
	}
	if c.Transfer.LocalName == "" {
		c.Transfer.LocalName = "app.tar.gz"
	}
	if c.Transfer.Timeout == 0 {
		c.Transfer.Timeout = 30 * time.Second
	}

	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.DumpCommand == "" {
		c.Database.DumpCommand = "mysqldump"
	}
	if c.Database.ProbeTimeout == 0 {
		c.Database.ProbeTimeout = 10 * time.Second
	}
	if c.Database.Compression == "" {
		c.Database.Compression = CompressionNone
	}

	if c.Publish.Driver == "" {
		c.Publish.Driver = DriverGitCLI
	}
	if c.Publish.GitCommand == "" {
		c.Publish.GitCommand = "git"
	}
	if c.Publish.AuthorName == "" {
		c.Publish.AuthorName = "site-backup"
	}
	if c.Publish.AuthorEmail == "" {
		c.Publish.AuthorEmail = "site-backup@localhost"
	}
	if c.Publish.Username == "" && c.Publish.Token != "" {
		c.Publish.Username = "git"
	}

	if c.Offsite.Provider == "" {
		c.Offsite.Provider = ProviderLocal
	}
	if c.Offsite.Prefix == "" {
		c.Offsite.Prefix = "site-backup"
	}

	if c.Notifications.On == "" {
		c.Notifications.On = NotifyOnFailure
	}
	if c.Notifications.Timeout == 0 {
		c.Notifications.Timeout = 10 * time.Second
	}
	if c.Notifications.File.Format == "" {
		c.Notifications.File.Format = "json"
	}

	if c.Report.Dir == "" {
		c.Report.Dir = filepath.Join(c.StagingDir, "reports")
	}
	if c.Report.Format == "" {
		c.Report.Format = "json"
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry = apperrors.DefaultRetryConfig()
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "normal"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	for _, p := range []*string{
		&c.Remote.PrivateKeyPath,
		&c.Remote.KnownHostsPath,
		&c.Transfer.PrivateKeyPath,
		&c.Transfer.KnownHostsPath,
		&c.Encryption.KeyFile,
		&c.Offsite.GCS.CredentialsPath,
	} {
		*p = ExpandHome(*p)
	}
}

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate returns every violation at once as ValidationErrors
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.StagingDir == "" {
		errs.Add("staging_dir", "staging directory is required", c.StagingDir)
	}
	if c.Timeout < 0 {
		errs.Add("timeout", "timeout cannot be negative", c.Timeout)
	}

	c.Remote.validate(&errs)
	c.Transfer.validate(&errs)
	c.Database.validate(&errs)
	c.Publish.validate(&errs)
	c.Encryption.validate(&errs)
	c.Offsite.validate(&errs)
	c.Notifications.validate(&errs)

	if c.Report.Enabled {
		if c.Report.Format != "json" && c.Report.Format != "yaml" {
			errs.Add("report.format", "report format must be json or yaml", c.Report.Format)
		}
	}

	if c.Retention.KeepLast < 0 || c.Retention.KeepDaily < 0 || c.Retention.MaxAge < 0 {
		errs.Add("retention", "retention rules cannot be negative", c.Retention)
	}

	if err := c.Retry.Validate(); err != nil {
		errs.Add("retry", err.Error(), c.Retry)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		errs.Add("logging.format", "log format must be text or json", c.Logging.Format)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func (rc RemoteConfig) validate(errs *ValidationErrors) {
	if rc.Host == "" {
		errs.Add("remote.host", "remote host is required", rc.Host)
	}
	if !validPort(rc.Port) {
		errs.Add("remote.port", "port must be between 1 and 65535", rc.Port)
	}
	if rc.Username == "" {
		errs.Add("remote.username", "remote username is required", rc.Username)
	}
	if rc.Password == "" && rc.PrivateKeyPath == "" {
		errs.Add("remote.password", "a password or private_key_path is required", nil)
	}
	if rc.SourcePath == "" {
		errs.Add("remote.source_path", "source path to archive is required", rc.SourcePath)
	}
	if rc.BackupPath == "" {
		errs.Add("remote.backup_path", "remote backup directory is required", rc.BackupPath)
	}
}

func (tc TransferConfig) validate(errs *ValidationErrors) {
	switch tc.Protocol {
	case ProtocolFTP, ProtocolSFTP:
	default:
		errs.Add("transfer.protocol", "protocol must be ftp or sftp", tc.Protocol)
	}
	if tc.Host == "" {
		errs.Add("transfer.host", "transfer host is required", tc.Host)
	}
	if !validPort(tc.Port) {
		errs.Add("transfer.port", "port must be between 1 and 65535", tc.Port)
	}
	if tc.Username == "" {
		errs.Add("transfer.username", "transfer username is required", tc.Username)
	}
	if tc.Protocol == ProtocolSFTP && tc.Password == "" && tc.PrivateKeyPath == "" {
		errs.Add("transfer.password", "a password or private_key_path is required for sftp", nil)
	}
	if tc.LocalName == "" || filepath.Base(tc.LocalName) != tc.LocalName {
		errs.Add("transfer.local_name", "local name must be a plain file name", tc.LocalName)
	}
}

func (dc DatabaseConfig) validate(errs *ValidationErrors) {
	if !dc.Enabled {
		return
	}
	if dc.Name == "" {
		errs.Add("database.name", "database name is required when the database stage is enabled", dc.Name)
	}
	if dc.Host == "" {
		errs.Add("database.host", "database host is required", dc.Host)
	}
	if !validPort(dc.Port) {
		errs.Add("database.port", "port must be between 1 and 65535", dc.Port)
	}
	if dc.Username == "" {
		errs.Add("database.username", "database username is required", dc.Username)
	}
	switch dc.Compression {
	case CompressionNone, CompressionGzip, CompressionZstd, CompressionLZ4:
	default:
		errs.Add("database.compression", "compression must be none, gzip, zstd or lz4", dc.Compression)
	}
}

func (pc PublishConfig) validate(errs *ValidationErrors) {
	if !pc.Enabled {
		return
	}
	if pc.Repository == "" {
		errs.Add("publish.repository", "repository URL is required when the publish stage is enabled", pc.Repository)
	}
	switch pc.Driver {
	case DriverGitCLI, DriverGoGit:
	default:
		errs.Add("publish.driver", "driver must be git or go-git", pc.Driver)
	}
}

func (ec EncryptionConfig) validate(errs *ValidationErrors) {
	if !ec.Enabled {
		return
	}
	sources := 0
	for _, s := range []string{ec.KeyEnv, ec.KeyFile, ec.PassphraseEnv} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		errs.Add("encryption", "exactly one of key_env, key_file or passphrase_env must be set", sources)
	}
}

func (oc OffsiteConfig) validate(errs *ValidationErrors) {
	if !oc.Enabled {
		return
	}
	switch oc.Provider {
	case ProviderLocal:
		if oc.Local.BasePath == "" {
			errs.Add("offsite.local.base_path", "base path is required for local storage", oc.Local.BasePath)
		}
	case ProviderS3:
		if oc.S3.Bucket == "" {
			errs.Add("offsite.s3.bucket", "S3 bucket is required", oc.S3.Bucket)
		}
		if oc.S3.Region == "" {
			errs.Add("offsite.s3.region", "S3 region is required", oc.S3.Region)
		}
	case ProviderAzure:
		if oc.Azure.AccountName == "" {
			errs.Add("offsite.azure.account_name", "Azure account name is required", oc.Azure.AccountName)
		}
		if oc.Azure.AccountKey == "" {
			errs.Add("offsite.azure.account_key", "Azure account key is required", nil)
		}
		if oc.Azure.ContainerName == "" {
			errs.Add("offsite.azure.container_name", "Azure container name is required", oc.Azure.ContainerName)
		}
	case ProviderGCS:
		if oc.GCS.Bucket == "" {
			errs.Add("offsite.gcs.bucket", "GCS bucket is required", oc.GCS.Bucket)
		}
	case ProviderMinio:
		if oc.Minio.Endpoint == "" {
			errs.Add("offsite.minio.endpoint", "MinIO endpoint is required", oc.Minio.Endpoint)
		}
		if oc.Minio.Bucket == "" {
			errs.Add("offsite.minio.bucket", "MinIO bucket is required", oc.Minio.Bucket)
		}
	default:
		errs.Add("offsite.provider", "unsupported storage provider", oc.Provider)
	}
}

func (nc NotificationsConfig) validate(errs *ValidationErrors) {
	if !nc.Enabled {
		return
	}
	switch nc.On {
	case NotifyOnFailure, NotifyOnAlways:
	default:
		errs.Add("notifications.on", "on must be failure or always", nc.On)
	}
	if nc.Webhook.URL == "" && nc.Slack.WebhookURL == "" && nc.File.Path == "" {
		errs.Add("notifications", "at least one channel (webhook, slack, file) must be configured", nil)
	}
	if nc.File.Path != "" && nc.File.Format != "json" && nc.File.Format != "text" {
		errs.Add("notifications.file.format", "file format must be json or text", nc.File.Format)
	}
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"site-backup/internal/config"
	"site-backup/internal/fsutil"
	"site-backup/internal/logging"
	"site-backup/internal/remote"
)

type sftpSource struct {
	ssh       *ssh.Client
	client    *sftp.Client
	remoteDir string
}

// OpenSFTP opens an sftp session over ssh. Relative remote directories resolve
// against the login directory.
func OpenSFTP(ctx context.Context, cfg config.TransferConfig, logger *logging.Logger) (Source, error) {
	sshClient, err := remote.Dial(ctx, remote.Endpoint{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Username:       cfg.Username,
		Password:       cfg.Password,
		PrivateKeyPath: cfg.PrivateKeyPath,
		KnownHostsPath: cfg.KnownHostsPath,
		Timeout:        cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}

	if cfg.RemoteDir != "" {
		info, err := client.Stat(cfg.RemoteDir)
		if err == nil && !info.IsDir() {
			err = fmt.Errorf("%s is not a directory", cfg.RemoteDir)
		}
		if err != nil {
			client.Close()
			sshClient.Close()
			return nil, fmt.Errorf("change directory to %s: %w", cfg.RemoteDir, err)
		}
	}

	return &sftpSource{ssh: sshClient, client: client, remoteDir: cfg.RemoteDir}, nil
}

func (s *sftpSource) Retrieve(ctx context.Context, name string, w io.Writer) error {
	file, err := s.client.Open(path.Join(s.remoteDir, name))
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = fsutil.CopyContext(ctx, w, file)
	return err
}

func (s *sftpSource) Close() error {
	return errors.Join(s.client.Close(), s.ssh.Close())
}

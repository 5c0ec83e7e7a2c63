package transfer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/jlaffaye/ftp"

	"site-backup/internal/config"
	"site-backup/internal/fsutil"
	"site-backup/internal/logging"
)

type ftpSource struct {
	conn *ftp.ServerConn
}

// OpenFTP logs in to the FTP server and changes into the remote backup directory
func OpenFTP(ctx context.Context, cfg config.TransferConfig, logger *logging.Logger) (Source, error) {
	addr := cfg.Address()
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(cfg.Timeout),
	}
	if cfg.ExplicitTLS {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: cfg.Host}))
	}

	start := time.Now()
	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		logger.LogConnection("ftp", addr, false, time.Since(start), err)
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := conn.Login(cfg.Username, cfg.Password); err != nil {
		conn.Quit()
		logger.LogConnection("ftp", addr, false, time.Since(start), err)
		return nil, fmt.Errorf("login as %s: %w", cfg.Username, err)
	}
	logger.LogConnection("ftp", addr, true, time.Since(start), nil)

	if cfg.RemoteDir != "" {
		if err := conn.ChangeDir(cfg.RemoteDir); err != nil {
			conn.Quit()
			return nil, fmt.Errorf("change directory to %s: %w", cfg.RemoteDir, err)
		}
	}

	return &ftpSource{conn: conn}, nil
}

func (s *ftpSource) Retrieve(ctx context.Context, name string, w io.Writer) error {
	resp, err := s.conn.Retr(name)
	if err != nil {
		return err
	}

	if _, err := fsutil.CopyContext(ctx, w, resp); err != nil {
		resp.Close()
		return err
	}
	return resp.Close()
}

func (s *ftpSource) Close() error {
	return s.conn.Quit()
}

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"site-backup/internal/logging"
)

// Endpoint holds what is needed to open an ssh connection
type Endpoint struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKeyPath string
	Passphrase     string
	KnownHostsPath string
	Timeout        time.Duration
}

// Address returns host:port
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ClientConfig builds the ssh client configuration for the endpoint. Without a
// known_hosts file any host key is accepted and a warning is logged.
func ClientConfig(ep Endpoint, logger *logging.Logger) (*ssh.ClientConfig, error) {
	auth, err := authMethods(ep)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := hostKeyCallback(ep, logger)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            ep.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         ep.Timeout,
	}, nil
}

func authMethods(ep Endpoint) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if ep.PrivateKeyPath != "" {
		pemBytes, err := os.ReadFile(ep.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key %s: %w", ep.PrivateKeyPath, err)
		}

		var signer ssh.Signer
		if ep.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(ep.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pemBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", ep.PrivateKeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if ep.Password != "" {
		password := ep.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh authentication method configured")
	}
	return methods, nil
}

func hostKeyCallback(ep Endpoint, logger *logging.Logger) (ssh.HostKeyCallback, error) {
	if ep.KnownHostsPath != "" {
		cb, err := knownhosts.New(ep.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts %s: %w", ep.KnownHostsPath, err)
		}
		return cb, nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		logger.WithFields(map[string]interface{}{
			"host":        hostname,
			"fingerprint": ssh.FingerprintSHA256(key),
		}).Warn("Accepting unverified ssh host key; set known_hosts_path to verify it")
		return nil
	}, nil
}

// Dial opens an ssh connection to the endpoint honouring ctx during the TCP dial
// and the handshake.
func Dial(ctx context.Context, ep Endpoint, logger *logging.Logger) (*ssh.Client, error) {
	cfg, err := ClientConfig(ep, logger)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	addr := ep.Address()

	dialer := net.Dialer{Timeout: ep.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		logger.LogConnection("ssh", addr, false, time.Since(start), err)
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	if deadline, ok := handshakeDeadline(ctx, ep.Timeout); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		logger.LogConnection("ssh", addr, false, time.Since(start), err)
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	logger.LogConnection("ssh", addr, true, time.Since(start), nil)
	return ssh.NewClient(c, chans, reqs), nil
}

func handshakeDeadline(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	deadline, ok := ctx.Deadline()
	if timeout > 0 {
		t := time.Now().Add(timeout)
		if !ok || t.Before(deadline) {
			return t, true
		}
	}
	return deadline, ok
}

// ExecResult is the outcome of one remote command
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// Exec runs command in a new session on client. A non-zero exit status is reported
// in the result, not as an error. The session is closed before Exec returns.
func Exec(ctx context.Context, client *ssh.Client, command string) (ExecResult, error) {
	session, err := client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		session.Close()
		<-done
		return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
	}

	result := ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.ExitStatus = exitErr.ExitStatus()
		return result, nil
	}
	return result, err
}

type clientExecutor struct {
	client *ssh.Client
}

func (c *clientExecutor) Exec(ctx context.Context, command string) (ExecResult, error) {
	return Exec(ctx, c.client, command)
}

func (c *clientExecutor) Close() error {
	return c.client.Close()
}

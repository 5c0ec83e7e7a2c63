package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"site-backup/internal/logging"
	"site-backup/internal/remote/sshtest"
)

func writeKey(t *testing.T, passphrase string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
	return path
}

func TestAuthMethods(t *testing.T) {
	t.Run("nothing configured", func(t *testing.T) {
		_, err := authMethods(Endpoint{Username: "deploy"})
		assert.ErrorContains(t, err, "no ssh authentication method")
	})

	t.Run("password adds keyboard interactive", func(t *testing.T) {
		methods, err := authMethods(Endpoint{Password: "secret"})
		require.NoError(t, err)
		assert.Len(t, methods, 2)
	})

	t.Run("private key", func(t *testing.T) {
		methods, err := authMethods(Endpoint{PrivateKeyPath: writeKey(t, "")})
		require.NoError(t, err)
		assert.Len(t, methods, 1)
	})

	t.Run("encrypted private key", func(t *testing.T) {
		methods, err := authMethods(Endpoint{PrivateKeyPath: writeKey(t, "hunter2"), Passphrase: "hunter2", Password: "secret"})
		require.NoError(t, err)
		assert.Len(t, methods, 3)
	})

	t.Run("encrypted key without passphrase", func(t *testing.T) {
		_, err := authMethods(Endpoint{PrivateKeyPath: writeKey(t, "hunter2")})
		require.Error(t, err)
		var missing *ssh.PassphraseMissingError
		assert.ErrorAs(t, err, &missing)
	})

	t.Run("missing key file", func(t *testing.T) {
		_, err := authMethods(Endpoint{PrivateKeyPath: filepath.Join(t.TempDir(), "nope")})
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestHostKeyCallback_KnownHosts(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize("backup.example.com:22")}, signer.PublicKey())
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0600))

	cb, err := hostKeyCallback(Endpoint{KnownHostsPath: path}, logging.NewNopLogger())
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 22}
	assert.NoError(t, cb("backup.example.com:22", addr, signer.PublicKey()))

	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(other)
	require.NoError(t, err)
	assert.Error(t, cb("backup.example.com:22", addr, otherSigner.PublicKey()))
}

func TestHostKeyCallback_MissingFile(t *testing.T) {
	_, err := hostKeyCallback(Endpoint{KnownHostsPath: filepath.Join(t.TempDir(), "absent")}, logging.NewNopLogger())
	assert.Error(t, err)
}

func TestDialAndExec(t *testing.T) {
	srv := sshtest.NewServer(t, "deploy", "secret", nil)
	ep := Endpoint{Host: srv.Host, Port: srv.Port, Username: "deploy", Password: "secret", Timeout: 5 * time.Second}

	client, err := Dial(context.Background(), ep, logging.NewNopLogger())
	require.NoError(t, err)
	defer client.Close()

	result, err := Exec(context.Background(), client, "true")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitStatus)
	assert.Equal(t, []string{"true"}, srv.Commands())
}

func TestDial_Refused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	ep := Endpoint{Host: "127.0.0.1", Port: addr.Port, Username: "deploy", Password: "secret", Timeout: time.Second}
	_, err = Dial(context.Background(), ep, logging.NewNopLogger())
	require.Error(t, err)

	var opErr *net.OpError
	assert.ErrorAs(t, err, &opErr)
}

func TestEndpointAddress(t *testing.T) {
	assert.Equal(t, "[::1]:2222", Endpoint{Host: "::1", Port: 2222}.Address())
}

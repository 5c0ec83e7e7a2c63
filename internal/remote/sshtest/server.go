// Package sshtest runs an in-process ssh server for tests. It answers exec
// requests through a handler and serves the sftp subsystem from the local
// filesystem.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecHandler answers a remote command and returns its exit status
type ExecHandler func(command string, stdout, stderr io.Writer) int

// Server is a minimal ssh server bound to 127.0.0.1
type Server struct {
	Host     string
	Port     int
	User     string
	Password string
	HostKey  ssh.PublicKey

	listener net.Listener
	config   *ssh.ServerConfig
	handler  ExecHandler

	mu       sync.Mutex
	commands []string
	wg       sync.WaitGroup
}

// NewServer starts a server accepting user/password and stops it when the test ends
func NewServer(t testing.TB, user, password string, handler ExecHandler) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	s := &Server{
		User:     user,
		Password: password,
		HostKey:  signer.PublicKey(),
		handler:  handler,
	}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == s.User && string(pass) == s.Password {
				return nil, nil
			}
			return nil, errAuth
		},
	}
	s.config.AddHostKey(signer)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := s.listener.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = addr.Port

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

type authError struct{}

func (authError) Error() string { return "authentication failed" }

var errAuth = authError{}

// Address returns host:port
func (s *Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Commands returns the exec requests received so far
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops accepting connections
func (s *Server) Close() {
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := parseString(req.Payload)
			_ = req.Reply(true, nil)

			s.mu.Lock()
			s.commands = append(s.commands, command)
			s.mu.Unlock()

			status := 0
			if s.handler != nil {
				status = s.handler(command, ch, ch.Stderr())
			}
			sendExitStatus(ch, status)
			return
		case "subsystem":
			if parseString(req.Payload) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = server.Serve()
			server.Close()
			return
		default:
			if req.WantReply {
				_ = req.Reply(req.Type == "env" || req.Type == "signal", nil)
			}
		}
	}
}

func sendExitStatus(ch ssh.Channel, status int) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(status))
	_, _ = ch.SendRequest("exit-status", false, payload)
}

// parseString decodes an ssh wire string (uint32 length followed by bytes)
func parseString(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload)
	if int(n) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+n])
}

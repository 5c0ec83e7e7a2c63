// Package ftptest runs a small in-memory FTP server for tests. It understands
// the commands a passive-mode download client sends and nothing else.
package ftptest

import (
	"bufio"
	"fmt"
	"net"
	"net/textproto"
	"path"
	"strings"
	"sync"
	"testing"
)

// Server serves Files (keyed by absolute path) to one user
type Server struct {
	Host     string
	Port     int
	User     string
	Password string

	mu        sync.Mutex
	files     map[string][]byte
	commands  []string
	logins    int
	dropAfter int

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer starts a server on 127.0.0.1 and stops it when the test ends
func NewServer(t testing.TB, user, password string) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)

	s := &Server{
		Host:     addr.IP.String(),
		Port:     addr.Port,
		User:     user,
		Password: password,
		files:    make(map[string][]byte),
		listener: l,
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// AddFile makes content downloadable at the absolute path p
func (s *Server) AddFile(p string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path.Clean(p)] = content
}

// DropAfter makes downloads close the data connection after n bytes
func (s *Server) DropAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAfter = n
}

// Commands returns the verbs received so far, e.g. "CWD ../backup"
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Logins counts successful PASS commands
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Close stops the listener
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
		go s.handle(conn)
	}
}

type session struct {
	srv      *Server
	ctrl     *textproto.Conn
	user     string
	loggedIn bool
	cwd      string
	passive  net.Listener
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	sess := &session{srv: s, ctrl: textproto.NewConn(conn), cwd: "/"}
	defer sess.closePassive()

	sess.reply(220, "site-backup test server ready")
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		s.mu.Lock()
		if verb == "PASS" {
			s.commands = append(s.commands, "PASS ***")
		} else {
			s.commands = append(s.commands, line)
		}
		s.mu.Unlock()

		if !sess.dispatch(verb, arg) {
			return
		}
	}
}

func (sess *session) reply(code int, msg string) {
	_ = sess.ctrl.PrintfLine("%d %s", code, msg)
}

// dispatch handles one command and reports whether the session continues
func (sess *session) dispatch(verb, arg string) bool {
	s := sess.srv
	switch verb {
	case "USER":
		sess.user = arg
		sess.reply(331, "password required")
	case "PASS":
		if sess.user != s.User || arg != s.Password {
			sess.reply(530, "Login incorrect.")
			return true
		}
		sess.loggedIn = true
		s.mu.Lock()
		s.logins++
		s.mu.Unlock()
		sess.reply(230, "logged in")
	case "FEAT":
		sess.reply(502, "not implemented")
	case "QUIT":
		sess.reply(221, "bye")
		return false
	default:
		if !sess.loggedIn {
			sess.reply(530, "Please login with USER and PASS.")
			return true
		}
		sess.dispatchAuthenticated(verb, arg)
	}
	return true
}

func (sess *session) dispatchAuthenticated(verb, arg string) {
	switch verb {
	case "TYPE", "OPTS", "MODE", "STRU":
		sess.reply(200, "ok")
	case "PWD":
		sess.reply(257, fmt.Sprintf("%q is the current directory", sess.cwd))
	case "CWD":
		dir := sess.resolve(arg)
		if !sess.srv.hasDir(dir) {
			sess.reply(550, "Failed to change directory.")
			return
		}
		sess.cwd = dir
		sess.reply(250, "Directory successfully changed.")
	case "EPSV":
		sess.closePassive()
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			sess.reply(425, "cannot open data connection")
			return
		}
		sess.passive = l
		sess.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", l.Addr().(*net.TCPAddr).Port))
	case "RETR":
		sess.retrieve(sess.resolve(arg))
	default:
		sess.reply(502, "command not implemented")
	}
}

func (sess *session) retrieve(p string) {
	s := sess.srv
	s.mu.Lock()
	content, ok := s.files[p]
	dropAfter := s.dropAfter
	s.mu.Unlock()

	if sess.passive == nil {
		sess.reply(425, "use EPSV first")
		return
	}
	if !ok {
		sess.closePassive()
		sess.reply(550, "Failed to open file.")
		return
	}

	sess.reply(150, "Opening BINARY mode data connection")
	data, err := sess.passive.Accept()
	sess.closePassive()
	if err != nil {
		sess.reply(425, "cannot open data connection")
		return
	}

	if dropAfter > 0 && dropAfter < len(content) {
		_, _ = data.Write(content[:dropAfter])
		data.Close()
		sess.reply(426, "Connection closed; transfer aborted.")
		return
	}

	_, _ = data.Write(content)
	data.Close()
	sess.reply(226, "Transfer complete.")
}

func (sess *session) closePassive() {
	if sess.passive != nil {
		sess.passive.Close()
		sess.passive = nil
	}
}

func (sess *session) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(sess.cwd, p)
}

func (s *Server) hasDir(dir string) bool {
	if dir == "/" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range s.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

package cinterop

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/gitph/gitoptim/errors"
	"github.com/gitph/gitoptim/stats"
)

const (
	// Header opens every handshake so that clients can tell a bridge apart
	// from a process that printed something else on stdout.
	Header = "gitoptim cinterop bridge v1\n\x00\x00\x00\x00"

	// The handshake is Header, the socket path padded to PathSize with a
	// trailing newline, then the hex token.
	PathSize      = 32
	TokenSize     = 32
	HandshakeSize = len(Header) + PathSize + TokenSize
)

// Server accepts bridge connections on a unix socket and hands every
// connection that presents the right token to process.
type Server struct {
	token   []byte
	process func(io.Reader, io.Writer)

	memory      *stats.MemoryFactory
	connections stats.CounterStat
	rejected    stats.CounterStat
	active      stats.GaugeStat

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	path      string
	closed    bool
	handlers  sync.WaitGroup
}

// NewServer creates a server with a fresh random token. Connection metrics
// go to memory, which should be the factory the Services behind process
// report to so that Snapshot covers both. A nil memory gets a private one.
func NewServer(
	process func(io.Reader, io.Writer),
	memory *stats.MemoryFactory) (*Server, error) {

	token := make([]byte, TokenSize/2)
	if _, err := rand.Read(token); err != nil {
		return nil, errors.Wrap(err, "cinterop: generating token")
	}
	hexToken := make([]byte, TokenSize)
	hex.Encode(hexToken, token)

	if memory == nil {
		memory = stats.NewMemoryFactory()
	}
	return &Server{
		token:       hexToken,
		process:     process,
		memory:      memory,
		connections: memory.NewCounter("bridge.connections", nil),
		rejected:    memory.NewCounter("bridge.connections.rejected", nil),
		active:      memory.NewGauge("bridge.connections.active", nil),
		listeners:   make(map[net.Listener]struct{}),
	}, nil
}

// Token is the hex secret clients must send first.
func (s *Server) Token() []byte {
	return s.token
}

// RandomSocketPath returns a fresh "/tmp/go-..." path that fits the handshake.
func RandomSocketPath() (string, error) {
	uuid := make([]byte, 16)
	if _, err := rand.Read(uuid); err != nil {
		return "", errors.Wrap(err, "cinterop: generating socket path")
	}
	return "/tmp/go-" + base64.RawURLEncoding.EncodeToString(uuid), nil
}

// Handshake renders what a client needs to connect to the socket at path.
func (s *Server) Handshake(path string) ([]byte, error) {
	if len(path) > PathSize-1 {
		return nil, errors.Newf(
			"cinterop: socket path %q longer than %d bytes", path, PathSize-1)
	}
	buf := bytes.NewBuffer(make([]byte, 0, HandshakeSize))
	buf.WriteString(Header)
	buf.WriteString(path)
	buf.Write(bytes.Repeat([]byte{'\n'}, PathSize-len(path)))
	buf.Write(s.token)
	return buf.Bytes(), nil
}

// ParseHandshake splits a handshake into socket path and token.
func ParseHandshake(handshake []byte) (path string, token []byte, err error) {
	if len(handshake) != HandshakeSize {
		return "", nil, errors.Newf(
			"cinterop: handshake is %d bytes, want %d",
			len(handshake), HandshakeSize)
	}
	if !bytes.Equal(handshake[:len(Header)], []byte(Header)) {
		return "", nil, errors.New("cinterop: header mismatch")
	}
	rawPath := handshake[len(Header) : len(Header)+PathSize]
	path = string(bytes.TrimRight(rawPath, "\n"))
	token = handshake[len(Header)+PathSize:]
	return path, token, nil
}

// Listen opens the unix socket at path. Serve must be called to accept.
func (s *Server) Listen(path string) (net.Listener, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "cinterop: listening on %s", path)
	}
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
	return l, nil
}

// Serve accepts connections on l until it is closed, then waits for the
// connections in flight. Closing l (or the server) makes Serve return nil.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = l.Close()
		return nil
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer s.handlers.Wait()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()
	for {
		fd, err := l.Accept()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				log.Print("accept error:", err)
				continue
			}
			return errors.Wrap(err, "cinterop: accept")
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer fd.Close()
			s.validateAndRun(fd, fd)
		}()
	}
}

func isClosed(err error) bool {
	return errors.IsError(err, net.ErrClosed)
}

func (s *Server) validateAndRun(socketRead io.Reader, socketWrite io.Writer) {
	s.connections.Inc()
	test := make([]byte, len(s.token))
	_, tokenErr := io.ReadFull(socketRead, test)
	if tokenErr != nil || !bytes.Equal(s.token, test) {
		s.rejected.Inc()
		log.Print("Error: token mismatch from new client")
		return
	}
	s.active.Inc()
	defer s.active.Dec()
	s.process(socketRead, socketWrite)
}

// Close stops every Serve loop and removes the socket file created by Listen.
// Connections in flight keep running; Serve returns once they finish.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	for l := range s.listeners {
		if cerr := l.Close(); cerr != nil && !isClosed(cerr) && err == nil {
			err = errors.Wrap(cerr, "cinterop: closing listener")
		}
	}
	if s.path != "" {
		_ = os.Remove(s.path)
	}
	return err
}

// Stats is the factory the server reports to.
func (s *Server) Stats() *stats.MemoryFactory {
	return s.memory
}

// Snapshot reports the connection counters together with whatever the
// process side registered on the same factory.
func (s *Server) Snapshot() map[string]float64 {
	return s.memory.Snapshot()
}

// StartServer listens on a random socket, announces the handshake on stdout,
// serves stdin/stdout as one more (already trusted) session, and returns once
// that session and the socket sessions in flight have ended.
func StartServer(process func(io.Reader, io.Writer)) error {
	return StartServerWithStats(process, nil, os.Stdin, os.Stdout)
}

// StartServerWithStats is StartServer with explicit metrics and stdio.
func StartServerWithStats(
	process func(io.Reader, io.Writer),
	memory *stats.MemoryFactory,
	stdin io.Reader,
	stdout io.Writer) error {

	srv, err := NewServer(process, memory)
	if err != nil {
		return err
	}
	path, err := RandomSocketPath()
	if err != nil {
		return err
	}
	l, err := srv.Listen(path)
	if err != nil {
		return err
	}
	defer srv.Close()

	handshake, err := srv.Handshake(path)
	if err != nil {
		return err
	}
	if _, err := stdout.Write(handshake); err != nil {
		return errors.Wrap(err, "cinterop: writing handshake")
	}

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(l)
	}()

	process(stdin, stdout)

	_ = srv.Close()
	return <-served
}

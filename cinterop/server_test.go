package cinterop

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"net"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/gogo/protobuf/proto"
	"golang.org/x/net/nettest"
	. "gopkg.in/check.v1"

	. "github.com/gitph/gitoptim/gocheck2"
	"github.com/gitph/gitoptim/optim"
	"github.com/gitph/gitoptim/stats"
)

type ServerSuite struct {
	memory    *stats.MemoryFactory
	srv       *Server
	path      string
	served    chan error
	handshake []byte
}

var _ = Suite(&ServerSuite{})

func (s *ServerSuite) SetUpTest(c *C) {
	if !nettest.TestableNetwork("unix") {
		c.Skip("unix sockets not available")
	}
	s.memory = stats.NewMemoryFactory()
	services := NewServices(s.memory)
	srv, err := NewServer(services.Dispatch, s.memory)
	c.Assert(err, IsNil)
	s.srv = srv

	s.path, err = RandomSocketPath()
	c.Assert(err, IsNil)
	l, err := srv.Listen(s.path)
	c.Assert(err, IsNil)

	s.handshake, err = srv.Handshake(s.path)
	c.Assert(err, IsNil)

	s.served = make(chan error, 1)
	go func() {
		s.served <- srv.Serve(l)
	}()
}

func (s *ServerSuite) TearDownTest(c *C) {
	if s.srv == nil {
		return
	}
	c.Assert(s.srv.Close(), IsNil)
	c.Assert(<-s.served, IsNil)
	_, err := os.Stat(s.path)
	c.Assert(os.IsNotExist(err), IsTrue)
	s.srv = nil
}

func (s *ServerSuite) client(c *C) *Client {
	client, err := NewClient(s.handshake)
	c.Assert(err, IsNil)
	return client
}

func (s *ServerSuite) TestHandshakeLayout(c *C) {
	c.Assert(s.handshake, HasLen, HandshakeSize)
	c.Assert(s.handshake, HasPrefix, Header)
	c.Assert(s.handshake[len(Header)+PathSize-1], Equals, byte('\n'))
	c.Assert(s.handshake[len(Header)+PathSize:], DeepEquals, s.srv.Token())

	path, token, err := ParseHandshake(s.handshake)
	c.Assert(err, IsNil)
	c.Assert(path, Equals, s.path)
	c.Assert(token, DeepEquals, s.srv.Token())

	read, err := ReadHandshake(bytes.NewReader(s.handshake))
	c.Assert(err, IsNil)
	c.Assert(read, DeepEquals, s.handshake)
}

func (s *ServerSuite) TestParseHandshakeErrors(c *C) {
	_, _, err := ParseHandshake(s.handshake[:10])
	c.Assert(err, ErrorMatches, "(?s)cinterop: handshake is 10 bytes.*")

	bad := append([]byte(nil), s.handshake...)
	bad[0] = 'X'
	_, _, err = ParseHandshake(bad)
	c.Assert(err, ErrorMatches, "(?s)cinterop: header mismatch.*")

	_, err = s.srv.Handshake("/" + strings.Repeat("x", PathSize))
	c.Assert(err, NotNil)
}

func (s *ServerSuite) TestHello(c *C) {
	line, err := s.client(c).Hello()
	c.Assert(err, IsNil)
	c.Assert(line, Equals, optim.DiagnosticLine)
}

func (s *ServerSuite) TestCalculate(c *C) {
	results, err := s.client(c).Calculate([]int32{15, 0, -5, -2147483648})
	c.Assert(err, IsNil)
	c.Assert(results, DeepEquals, []int32{40, 10, 0, 10})

	results, err = s.client(c).Calculate(nil)
	c.Assert(err, IsNil)
	c.Assert(results, HasLen, 0)
}

func (s *ServerSuite) TestStringLengths(c *C) {
	texts := [][]byte{[]byte(""), []byte("Olá, Rust e C++!"), []byte("x")}
	lengths, err := s.client(c).StringLengths(texts)
	c.Assert(err, IsNil)
	c.Assert(lengths, DeepEquals, []uint64{0, 17, 1})

	_, err = s.client(c).StringLengths([][]byte{[]byte("a\x00b")})
	c.Assert(err, ErrorMatches, "(?s).*contains a nul byte.*")
}

// A length must come back as soon as its terminator is sent, before the
// client ends the request stream.
func (s *ServerSuite) TestStringLengthStreams(c *C) {
	pr, pw := io.Pipe()
	rc, err := s.client(c).Open(OpStringLength, pr)
	c.Assert(err, IsNil)
	defer rc.Close()

	_, err = pw.Write([]byte("abc\x00"))
	c.Assert(err, IsNil)
	first := make([]byte, 1)
	_, err = io.ReadFull(rc, first)
	c.Assert(err, IsNil)
	c.Assert(first, DeepEquals, proto.EncodeVarint(3))

	_, err = pw.Write(bytes.Repeat([]byte("z"), 200))
	c.Assert(err, IsNil)
	_, err = pw.Write([]byte{0})
	c.Assert(err, IsNil)
	c.Assert(pw.Close(), IsNil)

	rest, err := ioutil.ReadAll(rc)
	c.Assert(err, IsNil)
	lengths, tail := DecodeStringLengths(rest)
	c.Assert(tail, HasLen, 0)
	c.Assert(lengths, DeepEquals, []uint64{200})
}

// Speaks the protocol the way a C client would, over a listener from
// nettest instead of one created by Listen.
func (s *ServerSuite) TestRawClientOnForeignListener(c *C) {
	l, err := nettest.NewLocalListener("unix")
	c.Assert(err, IsNil)
	addr := l.Addr()
	done := make(chan error, 1)
	go func() {
		done <- s.srv.Serve(l)
	}()

	conn, err := net.Dial(addr.Network(), addr.String())
	c.Assert(err, IsNil)
	uconn := conn.(*net.UnixConn)
	request := append(append([]byte(nil), s.srv.Token()...), OpCalculate)
	var item [4]byte
	binary.LittleEndian.PutUint32(item[:], 21)
	request = append(request, item[:]...)
	_, err = uconn.Write(request)
	c.Assert(err, IsNil)
	c.Assert(uconn.CloseWrite(), IsNil)

	response, err := ioutil.ReadAll(uconn)
	c.Assert(err, IsNil)
	c.Assert(response, HasLen, 4)
	c.Assert(int32(binary.LittleEndian.Uint32(response)), Equals, int32(52))
	c.Assert(uconn.Close(), IsNil)

	c.Assert(l.Close(), IsNil)
	c.Assert(<-done, IsNil)
	_ = os.Remove(addr.String())
}

func (s *ServerSuite) TestTokenMismatch(c *C) {
	conn, err := net.Dial("unix", s.path)
	c.Assert(err, IsNil)
	uconn := conn.(*net.UnixConn)
	_, err = uconn.Write(bytes.Repeat([]byte("0"), TokenSize))
	c.Assert(err, IsNil)
	c.Assert(uconn.CloseWrite(), IsNil)

	response, err := ioutil.ReadAll(uconn)
	c.Assert(err, IsNil)
	c.Assert(response, HasLen, 0)
	c.Assert(uconn.Close(), IsNil)

	// The handler finishes asynchronously; closing the server waits for it.
	c.Assert(s.srv.Close(), IsNil)
	c.Assert(<-s.served, IsNil)
	s.served <- nil

	snap := s.srv.Snapshot()
	c.Assert(snap["bridge.connections.rejected"], Equals, float64(1),
		Commentf("snapshot: %s", spew.Sdump(snap)))
	c.Assert(snap["bridge.connections.active"], Equals, float64(0))
}

func (s *ServerSuite) TestSnapshotCountsRequests(c *C) {
	client := s.client(c)
	_, err := client.Hello()
	c.Assert(err, IsNil)
	_, err = client.Calculate([]int32{1, 2, 3})
	c.Assert(err, IsNil)

	c.Assert(s.srv.Close(), IsNil)
	c.Assert(<-s.served, IsNil)
	s.served <- nil

	snap := s.srv.Snapshot()
	c.Assert(snap["bridge.connections"], Equals, float64(2),
		Commentf("snapshot: %s", spew.Sdump(snap)))
	c.Assert(snap["bridge.requests{op=hello}"], Equals, float64(1))
	c.Assert(snap["bridge.requests{op=calculate}"], Equals, float64(1))
	c.Assert(snap["bridge.items{op=calculate}"], Equals, float64(3))
}

// Services registered on the server's own factory show up in its snapshot.
func (s *ServerSuite) TestSnapshotWithPrivateFactory(c *C) {
	var services *Services
	srv, err := NewServer(func(r io.Reader, w io.Writer) {
		services.Dispatch(r, w)
	}, nil)
	c.Assert(err, IsNil)
	c.Assert(srv.Stats(), NotNil)
	services = NewServices(srv.Stats())

	path, err := RandomSocketPath()
	c.Assert(err, IsNil)
	l, err := srv.Listen(path)
	c.Assert(err, IsNil)
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(l)
	}()

	handshake, err := srv.Handshake(path)
	c.Assert(err, IsNil)
	client, err := NewClient(handshake)
	c.Assert(err, IsNil)
	lengths, err := client.StringLengths([][]byte{[]byte("abcd")})
	c.Assert(err, IsNil)
	c.Assert(lengths, DeepEquals, []uint64{4})

	c.Assert(srv.Close(), IsNil)
	c.Assert(<-done, IsNil)

	snap := srv.Snapshot()
	c.Assert(snap["bridge.connections"], Equals, float64(1),
		Commentf("snapshot: %s", spew.Sdump(snap)))
	c.Assert(snap["bridge.requests{op=string_length}"], Equals, float64(1))
	c.Assert(snap["bridge.items{op=string_length}"], Equals, float64(1))
	c.Assert(snap["bridge.string_length.bytes.sum"], Equals, float64(4))
}

type StartServerSuite struct{}

var _ = Suite(&StartServerSuite{})

func (s *StartServerSuite) TestStdioSessionAndSocket(c *C) {
	if !nettest.TestableNetwork("unix") {
		c.Skip("unix sockets not available")
	}
	memory := stats.NewMemoryFactory()
	services := NewServices(memory)
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- StartServerWithStats(services.Dispatch, memory, stdinR, stdoutW)
		_ = stdoutW.Close()
	}()

	handshake, err := ReadHandshake(stdoutR)
	c.Assert(err, IsNil)
	client, err := NewClient(handshake)
	c.Assert(err, IsNil)

	results, err := client.Calculate([]int32{7})
	c.Assert(err, IsNil)
	c.Assert(results, DeepEquals, []int32{24})

	// The stdio session is trusted and needs no token.
	_, err = stdinW.Write([]byte{OpHello})
	c.Assert(err, IsNil)
	rest, err := ioutil.ReadAll(stdoutR)
	c.Assert(err, IsNil)
	c.Assert(string(rest), Equals, optim.DiagnosticLine+"\n")
	c.Assert(<-done, IsNil)

	path, _, err := ParseHandshake(handshake)
	c.Assert(err, IsNil)
	_, err = os.Stat(path)
	c.Assert(os.IsNotExist(err), IsTrue)
	c.Assert(memory.Snapshot()["bridge.requests{op=hello}"], Equals, float64(1))
}

package cinterop

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"net"
	"sync"

	"github.com/gitph/gitoptim/errors"
)

// Client talks to a bridge announced by a handshake.
type Client struct {
	path  string
	token []byte
}

func NewClient(handshake []byte) (*Client, error) {
	path, token, err := ParseHandshake(handshake)
	if err != nil {
		return nil, err
	}
	return &Client{path: path, token: append([]byte(nil), token...)}, nil
}

// ReadHandshake reads one handshake from r, typically the stdout of a
// process started with StartServer.
func ReadHandshake(r io.Reader) ([]byte, error) {
	handshake := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, handshake); err != nil {
		return nil, errors.Wrap(err, "cinterop: reading handshake")
	}
	return handshake, nil
}

// Open starts an op session. request is streamed to the server from a
// separate goroutine, followed by a half-close, while the caller reads
// responses from the returned reader. Closing the reader waits for the
// request stream and closes the connection.
func (c *Client) Open(op byte, request io.Reader) (io.ReadCloser, error) {
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return nil, errors.Wrapf(err, "cinterop: dialing %s", c.path)
	}
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, errors.Newf("cinterop: unexpected connection type %T", conn)
	}
	preamble := append(append([]byte(nil), c.token...), op)
	if _, err := uconn.Write(preamble); err != nil {
		_ = uconn.Close()
		return nil, errors.Wrap(err, "cinterop: sending token")
	}
	rc := &responseReader{conn: uconn}
	rc.wait.Add(1)
	go rc.copyRequest(request)
	return rc, nil
}

type responseReader struct {
	wait    sync.WaitGroup
	conn    *net.UnixConn
	sendErr error
	closed  bool
}

func (rc *responseReader) copyRequest(request io.Reader) {
	defer rc.wait.Done()
	if request != nil {
		_, rc.sendErr = io.Copy(rc.conn, request)
	}
	_ = rc.conn.CloseWrite()
}

func (rc *responseReader) Read(data []byte) (int, error) {
	if rc.closed {
		return 0, errors.New("cinterop: read from closed session")
	}
	n, err := rc.conn.Read(data)
	if err != nil {
		rc.wait.Wait()
		if rc.sendErr != nil {
			// The failure that happened earlier in the pipeline explains
			// the read failure better.
			err = errors.Wrap(rc.sendErr, "cinterop: sending request")
			rc.sendErr = nil
		}
	}
	return n, err
}

func (rc *responseReader) Close() error {
	if rc.closed {
		return nil
	}
	rc.closed = true
	_ = rc.conn.CloseRead()
	rc.wait.Wait()
	return rc.conn.Close()
}

func (c *Client) roundTrip(op byte, request []byte) ([]byte, error) {
	rc, err := c.Open(op, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	response, err := ioutil.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "cinterop: reading %q response", op)
	}
	return response, nil
}

// Hello returns the diagnostic line produced by the server.
func (c *Client) Hello() (string, error) {
	response, err := c.roundTrip(OpHello, nil)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSuffix(response, []byte("\n"))), nil
}

// Calculate runs every input through the remote calculation.
func (c *Client) Calculate(inputs []int32) ([]int32, error) {
	request := make([]byte, len(inputs)*CalculationItemSize)
	for i, x := range inputs {
		binary.LittleEndian.PutUint32(request[i*CalculationItemSize:], uint32(x))
	}
	response, err := c.roundTrip(OpCalculate, request)
	if err != nil {
		return nil, err
	}
	if len(response) != len(request) {
		return nil, errors.Newf(
			"cinterop: got %d calculation bytes, want %d",
			len(response), len(request))
	}
	results := make([]int32, len(inputs))
	for i := range results {
		results[i] = int32(binary.LittleEndian.Uint32(response[i*CalculationItemSize:]))
	}
	return results, nil
}

// StringLengths measures every text remotely. Texts must not contain nul
// bytes since nul terminates each one on the wire.
func (c *Client) StringLengths(texts [][]byte) ([]uint64, error) {
	var request bytes.Buffer
	for i, text := range texts {
		if bytes.IndexByte(text, 0) >= 0 {
			return nil, errors.Newf("cinterop: text %d contains a nul byte", i)
		}
		request.Write(text)
		request.WriteByte(0)
	}
	response, err := c.roundTrip(OpStringLength, request.Bytes())
	if err != nil {
		return nil, err
	}
	lengths, rest := DecodeStringLengths(response)
	if len(rest) != 0 || len(lengths) != len(texts) {
		return nil, errors.Newf(
			"cinterop: got %d lengths (%d stray bytes), want %d",
			len(lengths), len(rest), len(texts))
	}
	return lengths, nil
}

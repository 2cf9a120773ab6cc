package cinterop

import (
	"encoding/binary"
	"io"
	"log"

	"github.com/gogo/protobuf/proto"

	"github.com/gitph/gitoptim/optim"
	"github.com/gitph/gitoptim/stats"
)

// Opcodes select the operation for a connection. The client sends exactly one
// right after the token.
const (
	OpHello        byte = 'H'
	OpCalculate    byte = 'C'
	OpStringLength byte = 'L'
)

const (
	// Calculation requests and responses are little-endian int32 values.
	CalculationItemSize = 4

	defaultBatchSize = 4096
)

// Services answers bridge requests with the optim operations.
type Services struct {
	BatchSize int

	requests map[byte]stats.CounterStat
	items    map[byte]stats.CounterStat
	unknown  stats.CounterStat
	lengths  stats.SummaryStat
}

func NewServices(statsFactory stats.StatsFactory) *Services {
	if statsFactory == nil {
		statsFactory = stats.NoOpStatsFactory
	}
	s := &Services{
		BatchSize: defaultBatchSize,
		requests:  make(map[byte]stats.CounterStat),
		items:     make(map[byte]stats.CounterStat),
		unknown:   statsFactory.NewCounter("bridge.requests.unknown", nil),
		lengths:   statsFactory.NewSummary("bridge.string_length.bytes", nil),
	}
	for op, name := range opNames {
		tags := map[string]string{"op": name}
		s.requests[op] = statsFactory.NewCounter("bridge.requests", tags)
		s.items[op] = statsFactory.NewCounter("bridge.items", tags)
	}
	return s
}

var opNames = map[byte]string{
	OpHello:        "hello",
	OpCalculate:    "calculate",
	OpStringLength: "string_length",
}

// Dispatch reads the opcode from socketRead and serves the rest of the
// connection with the matching operation.
func (s *Services) Dispatch(socketRead io.Reader, socketWrite io.Writer) {
	var op [1]byte
	if _, err := io.ReadFull(socketRead, op[:]); err != nil {
		if err != io.EOF {
			log.Print("Error reading opcode:", err)
		}
		return
	}
	switch op[0] {
	case OpHello:
		s.requests[OpHello].Inc()
		if err := optim.Hello(socketWrite); err != nil {
			log.Print("Error writing hello:", err)
			return
		}
		s.items[OpHello].Inc()
	case OpCalculate:
		s.requests[OpCalculate].Inc()
		ProcessBufferedData(
			socketRead,
			socketWrite,
			s.calculateBatches,
			s.batchSize(CalculationItemSize),
			CalculationItemSize)
	case OpStringLength:
		s.requests[OpStringLength].Inc()
		ProcessBatchedData(
			socketRead,
			socketWrite,
			s.stringLengthBatches,
			s.batchSize(1),
			1)
	default:
		s.unknown.Inc()
		log.Printf("Error: unknown opcode %q from client", op[0])
	}
}

func (s *Services) batchSize(workItemSize int) int {
	size := s.BatchSize
	if size < workItemSize {
		size = defaultBatchSize
	}
	return size - size%workItemSize
}

func noPrefetch([]byte, []byte) {}

func (s *Services) calculateBatches() (
	func([]byte) []byte,
	func([]byte, []byte)) {

	items := s.items[OpCalculate]
	return func(input []byte) []byte {
		output := make([]byte, len(input))
		for i := 0; i+CalculationItemSize <= len(input); i += CalculationItemSize {
			x := int32(binary.LittleEndian.Uint32(input[i:]))
			binary.LittleEndian.PutUint32(output[i:], uint32(optim.Calculate(x)))
		}
		items.Add(float64(len(input) / CalculationItemSize))
		return output
	}, noPrefetch
}

// Strings can span batches, so each connection carries the byte count of the
// string in progress from one batch to the next.
func (s *Services) stringLengthBatches() (
	func([]byte) []byte,
	func([]byte, []byte)) {

	items := s.items[OpStringLength]
	lengths := s.lengths
	var pending uint64
	return func(input []byte) []byte {
		var output []byte
		for {
			n, err := optim.StringLength(input)
			if err != nil || int(n) == len(input) {
				// No terminator in this batch; n may be saturated so
				// count the raw bytes.
				pending += uint64(len(input))
				return output
			}
			length := pending + uint64(n)
			pending = 0
			output = append(output, proto.EncodeVarint(length)...)
			items.Inc()
			lengths.Observe(float64(length))
			input = input[n+1:]
		}
	}, noPrefetch
}

// DecodeStringLengths splits a response produced by OpStringLength into
// lengths. A trailing partial varint is returned as the remainder.
func DecodeStringLengths(data []byte) (lengths []uint64, rest []byte) {
	for len(data) > 0 {
		x, n := proto.DecodeVarint(data)
		if n == 0 {
			break
		}
		lengths = append(lengths, x)
		data = data[n:]
	}
	return lengths, data
}

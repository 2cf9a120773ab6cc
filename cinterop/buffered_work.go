package cinterop

import (
	"io"
	"log"

	"github.com/gitph/gitoptim/errors"
)

// this reads in a loop from socketRead putting batchSize bytes of work to copyTo until
// the socketRead is empty. Will always block until a full workSize of units have been copied
func readBuffer(copyTo chan<- []byte, socketRead io.Reader, batchSize int, workSize int) {
	defer close(copyTo)
	for {
		batch := make([]byte, batchSize)
		size, err := socketRead.Read(batch)
		if err == nil && workSize != 0 && size%workSize != 0 {
			var lsize int
			lsize, err = io.ReadFull(
				socketRead,
				batch[size:size+workSize-(size%workSize)])
			size += lsize
		}
		if size > 0 {
			if err != nil && workSize != 0 {
				size -= (size % workSize)
			}
			if size > 0 {
				copyTo <- batch[:size]
			}
		}
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Print("Error encountered in readBuffer:", err)
			}
			return
		}
	}
}

// this copies data from the chan to the socketWrite writer and closes done once
// copyFrom is closed. After a write error the remaining buffers are discarded
// so that the producer never blocks.
func writeBuffer(copyFrom <-chan []byte, socketWrite io.Writer, done chan<- struct{}) {
	defer close(done)
	var failed bool
	for buf := range copyFrom {
		if failed || len(buf) == 0 {
			continue
		}
		size, err := socketWrite.Write(buf)
		if err != nil {
			log.Print("Error encountered in writeBuffer:", err)
			failed = true
		} else if size != len(buf) {
			panic(errors.New("Short Write: io.Writer not compliant"))
		}
	}
}

// BatchProcessor turns one batch of request bytes into response bytes.
// Prefetch is called with the same input and the result after the result has
// been queued for the client, which makes it possible to prepare the next batch.
type BatchProcessor func() (
	process func(input []byte) []byte,
	prefetch func(lastInput []byte, lastOutput []byte))

// this function takes data from socketRead and calls processBatch on a batch of it at a time
// then the resulting bytes are written to socketWrite as fast as possible.
// Every batch holds a whole number of workItemSize units; zero disables alignment.
func ProcessBufferedData(
	socketRead io.Reader,
	socketWrite io.Writer,
	makeProcessBatch BatchProcessor,
	batchSize int,
	workItemSize int) {

	queued := 1
	if workItemSize > 0 {
		queued += batchSize / workItemSize
	}
	readChan := make(chan []byte, 2)
	writeChan := make(chan []byte, queued)
	written := make(chan struct{})
	go readBuffer(readChan, socketRead, batchSize, workItemSize)
	go writeBuffer(writeChan, socketWrite, written)
	pastInit := false
	defer func() { // this is if makeProcessBatch() fails
		if !pastInit {
			if r := recover(); r != nil {
				log.Print("Error in makeProcessBatch ", r)
			}
		}
		close(writeChan)
		<-written
		drain(readChan)
	}()
	processBatch, prefetchBatch := makeProcessBatch()
	pastInit = true
	for buf := range readChan {
		result := processBatch(buf)
		writeChan <- result
		prefetchBatch(buf, result)
	}
}

// unblocks a reader goroutine whose consumer gave up early
func drain(ch <-chan []byte) {
	go func() {
		for range ch {
		}
	}()
}

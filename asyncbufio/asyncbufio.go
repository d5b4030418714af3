// Package asyncbufio provides a buffered writer whose Write never blocks:
// messages go through a bounded channel to a goroutine that does the actual
// writing, and are dropped whole when the channel is full.
package asyncbufio

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Writer provides asynchronous writing to an underlying io.Writer using buffered channels.
type Writer struct {
	writer        *bufio.Writer // Buffered writer: this does the writing
	flushNow      chan struct{} // Channel to signal the underlying writer to flush itself
	flushComplete chan struct{} // Channel to signal underlying writer flush is complete
	datachannel   chan []byte   // Channel to hold data before writing it
	flushInterval time.Duration // Interval for flushing the writer periodically
	dropped       atomic.Int64  // Messages refused because the channel was full
	errLock       sync.Mutex
	err           error // First error from the underlying writer
	closeOnce     sync.Once
}

// NewWriter creates a new Writer instance.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}

	go aw.writeLoop()
	return aw
}

// Write queues p for writing. The caller must not modify p afterwards.
// When the queue is full, p is dropped and io.ErrShortWrite returned.
// After the underlying writer fails, Write returns that error.
func (aw *Writer) Write(p []byte) (int, error) {
	if err := aw.Err(); err != nil {
		return 0, err
	}
	select {
	case aw.datachannel <- p:
		return len(p), nil
	default:
		aw.dropped.Add(1)
		return 0, io.ErrShortWrite
	}
}

// Dropped returns the number of messages refused because the queue was full.
func (aw *Writer) Dropped() int64 {
	return aw.dropped.Load()
}

// Err returns the first error reported by the underlying writer.
func (aw *Writer) Err() error {
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	return aw.err
}

func (aw *Writer) setErr(err error) {
	if err == nil {
		return
	}
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	if aw.err == nil {
		aw.err = err
	}
}

// Flush flushes any remaining data in the channel to the underlying writer.
// Blocks until the flush is complete.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return aw.Err()
}

// Close flushes remaining data and waits for the writeLoop to finish.
// Calling Write or Flush after Close panics. Close may be called more than once.
func (aw *Writer) Close() error {
	aw.closeOnce.Do(func() {
		close(aw.flushNow) // Closing the flushNow channel signals the writeLoop to exit
		<-aw.flushComplete // Wait until writing is complete
	})
	return aw.Err()
}

// writeLoop is a goroutine that continuously moves data from the channel to the writer.
func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)

		case _, ok := <-aw.flushNow:
			aw.flush()
			// Signal whoever requested this that flushing is done
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

func (aw *Writer) write(data []byte) {
	if aw.Err() != nil {
		return
	}
	_, err := aw.writer.Write(data)
	aw.setErr(err)
}

func (aw *Writer) flush() {
	// Empty the channel before calling the underlying writer's Flush()
	for {
		select {
		case data := <-aw.datachannel:
			aw.write(data)
		default:
			if aw.Err() == nil {
				aw.setErr(aw.writer.Flush())
			}
			return
		}
	}
}

package asyncbufio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWrite(t *testing.T) {
	f, err := os.CreateTemp("", "example")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())

	w := NewWriter(f, 100, time.Second)
	var expect bytes.Buffer
	for i := range 100 {
		line := fmt.Appendf(nil, "Line of text %3d\n", i)
		expect.Write(line)
		w.Write(line)
		if i%25 == 19 {
			w.Flush()
		}
	}
	w.Write([]byte("Last line\n"))
	expect.WriteString("Last line\n")
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close(), "second Close is harmless")

	actual, err := os.ReadFile(f.Name())
	assert.NoError(t, err)
	assert.Equal(t, expect.String(), string(actual))
	assert.Equal(t, int64(0), w.Dropped())

	// Tricky way to test for an expected panic:
	defer func() { recover() }()
	w.Flush()
	t.Errorf("asyncbufio.Writer.Flush() after .Close() did not panic")
}

// stalled blocks every Write until released.
type stalled struct {
	release chan struct{}
	n       int
}

func (s *stalled) Write(p []byte) (int, error) {
	<-s.release
	s.n += len(p)
	return len(p), nil
}

func TestWriteNeverBlocks(t *testing.T) {
	s := &stalled{release: make(chan struct{})}
	w := NewWriter(s, 4, time.Hour)
	msg := make([]byte, 5000) // larger than the bufio buffer, so the loop reaches s.Write
	done := make(chan struct{})
	go func() {
		for range 20 {
			w.Write(msg)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked on a stalled writer")
	}
	assert.Greater(t, w.Dropped(), int64(0))
	close(s.release)
	w.Close()
}

type failing struct{}

func (failing) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriteError(t *testing.T) {
	w := NewWriter(failing{}, 4, time.Hour)
	w.Write(make([]byte, 10))
	err := w.Flush()
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
	_, err = w.Write([]byte("more"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	w.Close()
}

package kerrdaq

import (
	"fmt"
	"io"

	"github.com/mokelab/kerrdaq/getbytes"
	"github.com/mokelab/kerrdaq/ringbuffer"
)

// Frames travel from the engine to the parent as messages of an 8-byte
// header (uint32 rows, uint32 columns) followed by the row-major float64
// payload, all in native byte order.
const frameHeaderBytes = 8

// maxStreamValues bounds the payload of one message, guarding against a corrupt header.
const maxStreamValues = 1 << 26

// encodeFrames builds one stream message.
func encodeFrames(f ringbuffer.Frames) []byte {
	nrows := f.Len()
	msg := make([]byte, 0, frameHeaderBytes+8*len(f.Data))
	msg = append(msg, getbytes.FromUint32(uint32(nrows))...)
	msg = append(msg, getbytes.FromUint32(uint32(f.Ncols))...)
	msg = append(msg, getbytes.FromSliceFloat64(f.Data[:nrows*f.Ncols])...)
	return msg
}

// writeFrames writes f to w as a single message.
func writeFrames(w io.Writer, f ringbuffer.Frames) error {
	_, err := w.Write(encodeFrames(f))
	return err
}

// readFrames reads one message. It returns io.EOF only at a clean message boundary.
func readFrames(r io.Reader) (ringbuffer.Frames, error) {
	var header [frameHeaderBytes]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return ringbuffer.Frames{}, err
	}
	nrows := int(getbytes.ToUint32(header[0:4]))
	ncols := int(getbytes.ToUint32(header[4:8]))
	if ncols < 1 || nrows*ncols > maxStreamValues {
		return ringbuffer.Frames{}, fmt.Errorf("frame stream: bad header (%d rows, %d columns)", nrows, ncols)
	}
	payload := make([]byte, 8*nrows*ncols)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return ringbuffer.Frames{}, err
	}
	data, err := getbytes.ToSliceFloat64(payload)
	if err != nil {
		return ringbuffer.Frames{}, err
	}
	return ringbuffer.Frames{Ncols: ncols, Data: data}, nil
}

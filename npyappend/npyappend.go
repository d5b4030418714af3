// Package npyappend writes rows of float64 to a numpy .npy file that grows
// as rows are appended. The header is rewritten in place on every Flush, so
// the file is a valid array after each one.
package npyappend

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/mokelab/kerrdaq/getbytes"
)

// headerLen is the fixed size of the header, including the magic string.
// It is a multiple of 64 as numpy requires.
const headerLen = 128

const magic = "\x93NUMPY\x01\x00"

// RowAppender appends fixed-width float64 rows to a .npy file.
type RowAppender struct {
	file  *os.File
	buf   *bufio.Writer
	ncols int
	nrows int
}

// Create truncates or creates filename and writes an empty (0, ncols) array.
func Create(filename string, ncols int) (*RowAppender, error) {
	if ncols < 1 {
		return nil, fmt.Errorf("npyappend: %d columns", ncols)
	}
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	a := &RowAppender{file: file, ncols: ncols}
	if err := a.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(headerLen, 0); err != nil {
		file.Close()
		return nil, err
	}
	a.buf = bufio.NewWriterSize(file, 1<<16)
	return a, nil
}

// header returns the header for the current shape.
func (a *RowAppender) header() []byte {
	dict := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d), }", a.nrows, a.ncols)
	pad := headerLen - len(magic) - 2 - len(dict) - 1
	h := make([]byte, 0, headerLen)
	h = append(h, magic...)
	h = binary.LittleEndian.AppendUint16(h, uint16(headerLen-len(magic)-2))
	h = append(h, dict...)
	h = append(h, strings.Repeat(" ", max(pad, 0))...)
	return append(h, '\n')
}

func (a *RowAppender) writeHeader() error {
	h := a.header()
	if len(h) != headerLen {
		return fmt.Errorf("npyappend: header for shape (%d, %d) does not fit", a.nrows, a.ncols)
	}
	_, err := a.file.WriteAt(h, 0)
	return err
}

// Append adds rows, given row-major; len(rows) must be a multiple of the row width.
func (a *RowAppender) Append(rows []float64) error {
	if len(rows)%a.ncols != 0 {
		return fmt.Errorf("npyappend: %d values do not fill rows of %d", len(rows), a.ncols)
	}
	if _, err := a.buf.Write(getbytes.FromSliceFloat64(rows)); err != nil {
		return err
	}
	a.nrows += len(rows) / a.ncols
	return nil
}

// Rows returns the number of rows appended.
func (a *RowAppender) Rows() int {
	return a.nrows
}

// Flush writes buffered rows and updates the header's shape.
func (a *RowAppender) Flush() error {
	if err := a.buf.Flush(); err != nil {
		return err
	}
	return a.writeHeader()
}

// Close flushes and closes the file.
func (a *RowAppender) Close() error {
	if err := a.Flush(); err != nil {
		a.file.Close()
		return err
	}
	return a.file.Close()
}

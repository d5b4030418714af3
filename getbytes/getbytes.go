// Package getbytes converts numeric slices to []byte (and back) faster than
// binary.Write, using unsafe views in the machine's native byte order.
package getbytes

import (
	"fmt"
	"unsafe"
)

// FromSliceFloat64 views a []float64 as []byte using unsafe
func FromSliceFloat64(d []float64) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromSliceUint32 views a []uint32 as []byte using unsafe
func FromSliceUint32(d []uint32) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromUint32 converts a uint32 to []byte using unsafe
func FromUint32(d uint32) []byte {
	return FromSliceUint32([]uint32{d})
}

// FromFloat64 converts a float64 to []byte using unsafe
func FromFloat64(d float64) []byte {
	return FromSliceFloat64([]float64{d})
}

// ToSliceFloat64 copies bytes produced by FromSliceFloat64 into a new []float64.
func ToSliceFloat64(b []byte) ([]float64, error) {
	const size = int(unsafe.Sizeof(float64(0)))
	if len(b)%size != 0 {
		return nil, fmt.Errorf("getbytes: %d bytes is not a whole number of float64 values", len(b))
	}
	out := make([]float64, len(b)/size)
	copy(FromSliceFloat64(out), b)
	return out, nil
}

// ToUint32 reads a native-order uint32 from the first 4 bytes of b.
func ToUint32(b []byte) uint32 {
	var v uint32
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), 4), b[:4])
	return v
}

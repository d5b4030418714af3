package getbytes

import (
	"encoding/hex"
	"testing"
)

func TestFromGetBytes(t *testing.T) {
	encodedStr := hex.EncodeToString(FromSliceUint32([]uint32{0xABCDEF01, 0x23456789}))
	if expectStr := "01efcdab89674523"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	encodedStr = hex.EncodeToString(FromSliceFloat64([]float64{2}))
	if expectStr := "0000000000000040"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	if len(FromSliceFloat64(nil)) != 0 {
		t.Error("empty slice should give no bytes")
	}
	if len(FromUint32(1)) != 4 {
		t.Error("wrong length")
	}
	if len(FromFloat64(1)) != 8 {
		t.Error("wrong length")
	}
}

func TestRoundTrip(t *testing.T) {
	in := []float64{-1.5, 0, 3.25, 1e300}
	out, err := ToSliceFloat64(FromSliceFloat64(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("value[%d]=%v, want %v", i, out[i], in[i])
		}
	}
	if _, err := ToSliceFloat64(make([]byte, 7)); err == nil {
		t.Error("ToSliceFloat64 should reject 7 bytes")
	}
	// Unaligned source bytes are fine because values are copied.
	b := append([]byte{0}, FromSliceFloat64(in)...)
	out, _ = ToSliceFloat64(b[1:])
	if out[2] != 3.25 {
		t.Errorf("unaligned value=%v, want 3.25", out[2])
	}
	if v := ToUint32(FromUint32(0xDEADBEEF)); v != 0xDEADBEEF {
		t.Errorf("ToUint32=%x, want deadbeef", v)
	}
}

package hexapole

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/mokelab/kerrdaq/preisach"
	"github.com/sbinet/npyio/npz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uniformMu gives a uniform Preisach pole on inputs [-2, 2] with a
// saturation field of 50 mT.
const uniformMu = 6.25

// uniformPole fits a pole whose Everett function is the uniform one.
func uniformPole() PoleParams {
	u := preisach.Uniform(uniformMu)
	f0 := u(2, -2)
	ascending := func(a float64) float64 { return uniformMu*(a+2)*(a+2) - f0 }
	knots := make([]float64, 21)
	for i := range knots {
		knots[i] = -2 + 0.2*float64(i)
	}
	p := PoleParams{
		MajorX:     knots,
		MajorY:     make([]float64, len(knots)),
		CrossAlpha: knots,
		CrossBeta:  knots,
		R:          2,
		L:          0.01,
		FieldMin:   -f0,
		FieldMax:   f0,
	}
	for i, a := range knots {
		p.MajorY[i] = ascending(a)
		for _, b := range knots {
			p.Cross = append(p.Cross, ascending(a)-2*u(a, b))
		}
	}
	return p
}

func testBundle() *Bundle {
	b := &Bundle{
		HallScale:  []float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		HallOffset: []float64{0, 0, 0},
	}
	for range NumPoles {
		b.Poles = append(b.Poles, uniformPole())
	}
	return b
}

func TestBundleRoundTrip(t *testing.T) {
	b := testBundle()
	b.FieldToPole = []float64{0, 1, 0, 1, 0, 0, 0, 0, 1}
	for i := range b.Poles {
		b.Poles[i].Displacement = 0.01 * float64(i)
		b.Poles[i].StartLine = []preisach.Corner{{Alpha: 1.5, Beta: -1}, {Alpha: 0.5, Beta: 0.25}}
		b.Poles[i].DegaussLine = []preisach.Corner{{Alpha: 0.1, Beta: -0.1}}
	}
	path := filepath.Join(t.TempDir(), "magnet.npz")
	require.NoError(t, SaveBundle(path, b))

	got, err := LoadBundle(path)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestBundleIsPlainNpz(t *testing.T) {
	b := testBundle()
	b.HallOffset = nil
	path := filepath.Join(t.TempDir(), "magnet.npz")
	require.NoError(t, SaveBundle(path, b))

	r, err := npz.Open(path)
	require.NoError(t, err)
	defer r.Close()
	members := make(map[string]string)
	for _, key := range r.Keys() {
		members[strings.TrimSuffix(key, ".npy")] = key
	}
	// The hallprobe scale and six arrays per pole; empty arrays are left out.
	assert.Len(t, members, 1+NumPoles*6)
	assert.NotContains(t, members, keyHallOffset)
	assert.NotContains(t, members, poleKey(0, "start_line"))

	require.Contains(t, members, keyHallScale)
	var scale []float64
	require.NoError(t, r.Read(members[keyHallScale], &scale))
	assert.Equal(t, b.HallScale, scale)
	var mx []float64
	require.NoError(t, r.Read(members[poleKey(2, "major_x")], &mx))
	assert.Equal(t, b.Poles[2].MajorX, mx)
}

func TestBundleValidate(t *testing.T) {
	b := testBundle()
	require.NoError(t, b.Validate())

	short := &Bundle{Poles: b.Poles[:2]}
	assert.ErrorIs(t, short.Validate(), ErrShape)

	b.HallScale = b.HallScale[:4]
	assert.ErrorIs(t, b.Validate(), ErrShape)

	b = testBundle()
	b.Poles[1].Cross = b.Poles[1].Cross[:10]
	assert.ErrorIs(t, b.Validate(), ErrShape)

	b = testBundle()
	assert.Error(t, SaveBundle(filepath.Join(t.TempDir(), "no", "such", "dir.npz"), b))
	_, err := LoadBundle(filepath.Join(t.TempDir(), "missing.npz"))
	assert.Error(t, err)
}

func TestInputRange(t *testing.T) {
	lo, hi := uniformPole().InputRange()
	assert.InDelta(t, -2, lo, 1e-12)
	assert.InDelta(t, 2, hi, 1e-12)
	lo, hi = PoleParams{}.InputRange()
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 0.0, hi)
}

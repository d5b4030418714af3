package hexapole

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mokelab/kerrdaq/preisach"
	"github.com/sbinet/npyio/npz"
)

// NumPoles is the number of magnet poles (and hallprobe channels).
const NumPoles = 3

// PoleParams are the offline fits for one pole.
type PoleParams struct {
	MajorX, MajorY []float64 // ascending major-loop branch f_a: coil input -> field (mT)
	CrossAlpha     []float64 // reversal-surface α knots
	CrossBeta      []float64 // reversal-surface β knots
	Cross          []float64 // f_αβ on the knot grid, row-major in α
	R, L           float64   // coil resistance (Ω) and inductance (H)
	Displacement   float64   // added to the inverted coil input so zero demand gives zero
	FieldMin       float64   // smallest field reached on the fitted major loop (mT)
	FieldMax       float64   // largest field reached on the fitted major loop (mT)
	StartLine      []preisach.Corner
	DegaussLine    []preisach.Corner
}

// InputRange returns the (β0, α0) limits of the pole's Preisach model.
func (pp PoleParams) InputRange() (float64, float64) {
	if len(pp.MajorX) == 0 {
		return 0, 0
	}
	return pp.MajorX[0], pp.MajorX[len(pp.MajorX)-1]
}

// Bundle holds every calibration the magnet needs.
type Bundle struct {
	Poles       []PoleParams
	HallScale   []float64 // 3x3 row-major, hallprobe V -> mT
	HallOffset  []float64 // mT, added after scaling
	FieldToPole []float64 // 3x3 row-major, sample-frame field -> per-pole field
}

// ErrShape reports arrays of the wrong size.
var ErrShape = errors.New("wrong array shape")

// Validate checks array sizes.
func (b *Bundle) Validate() error {
	if len(b.Poles) != NumPoles {
		return fmt.Errorf("%w: %d poles, want %d", ErrShape, len(b.Poles), NumPoles)
	}
	if len(b.HallScale) != 0 && len(b.HallScale) != NumPoles*NumPoles {
		return fmt.Errorf("%w: hallprobe scale has %d values", ErrShape, len(b.HallScale))
	}
	if len(b.HallOffset) != 0 && len(b.HallOffset) != NumPoles {
		return fmt.Errorf("%w: hallprobe offset has %d values", ErrShape, len(b.HallOffset))
	}
	if len(b.FieldToPole) != 0 && len(b.FieldToPole) != NumPoles*NumPoles {
		return fmt.Errorf("%w: field-to-pole matrix has %d values", ErrShape, len(b.FieldToPole))
	}
	for i, p := range b.Poles {
		if len(p.MajorX) != len(p.MajorY) {
			return fmt.Errorf("%w: pole %d major loop has %d knots and %d values", ErrShape, i, len(p.MajorX), len(p.MajorY))
		}
		if len(p.Cross) != len(p.CrossAlpha)*len(p.CrossBeta) {
			return fmt.Errorf("%w: pole %d reversal surface has %d values, want %d x %d",
				ErrShape, i, len(p.Cross), len(p.CrossAlpha), len(p.CrossBeta))
		}
	}
	return nil
}

// The bundle is stored as an .npz archive, readable by numpy.load.
const (
	keyHallScale   = "hallprobe_scale"
	keyHallOffset  = "hallprobe_offset"
	keyFieldToPole = "field_to_pole"
)

func poleKey(i int, name string) string {
	return fmt.Sprintf("pole%d_%s", i, name)
}

// scalars are stored as one array per pole in this order.
func (pp PoleParams) scalars() []float64 {
	return []float64{pp.R, pp.L, pp.Displacement, pp.FieldMin, pp.FieldMax}
}

func flattenLine(corners []preisach.Corner) []float64 {
	out := make([]float64, 0, 2*len(corners))
	for _, c := range corners {
		out = append(out, c.Alpha, c.Beta)
	}
	return out
}

func unflattenLine(v []float64) ([]preisach.Corner, error) {
	if len(v)%2 != 0 {
		return nil, fmt.Errorf("%w: memory line has odd length %d", ErrShape, len(v))
	}
	corners := make([]preisach.Corner, len(v)/2)
	for i := range corners {
		corners[i] = preisach.Corner{Alpha: v[2*i], Beta: v[2*i+1]}
	}
	return corners, nil
}

// SaveBundle writes b to an .npz file.
func SaveBundle(path string, b *Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	arrays := map[string][]float64{
		keyHallScale:   b.HallScale,
		keyHallOffset:  b.HallOffset,
		keyFieldToPole: b.FieldToPole,
	}
	for i, p := range b.Poles {
		arrays[poleKey(i, "major_x")] = p.MajorX
		arrays[poleKey(i, "major_y")] = p.MajorY
		arrays[poleKey(i, "cross_alpha")] = p.CrossAlpha
		arrays[poleKey(i, "cross_beta")] = p.CrossBeta
		arrays[poleKey(i, "cross")] = p.Cross
		arrays[poleKey(i, "scalars")] = p.scalars()
		arrays[poleKey(i, "start_line")] = flattenLine(p.StartLine)
		arrays[poleKey(i, "degauss_line")] = flattenLine(p.DegaussLine)
	}

	w, err := npz.Create(path)
	if err != nil {
		return err
	}
	for name, v := range arrays {
		if len(v) == 0 {
			continue
		}
		if err := w.Write(name, v); err != nil {
			w.Close()
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return w.Close()
}

// LoadBundle reads an .npz calibration bundle.
func LoadBundle(path string) (*Bundle, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	arrays := make(map[string][]float64)
	for _, key := range r.Keys() {
		var v []float64
		if err := r.Read(key, &v); err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		arrays[strings.TrimSuffix(key, ".npy")] = v
	}

	b := &Bundle{
		HallScale:   arrays[keyHallScale],
		HallOffset:  arrays[keyHallOffset],
		FieldToPole: arrays[keyFieldToPole],
	}
	for i := range NumPoles {
		p := PoleParams{
			MajorX:     arrays[poleKey(i, "major_x")],
			MajorY:     arrays[poleKey(i, "major_y")],
			CrossAlpha: arrays[poleKey(i, "cross_alpha")],
			CrossBeta:  arrays[poleKey(i, "cross_beta")],
			Cross:      arrays[poleKey(i, "cross")],
		}
		if len(p.MajorX) == 0 {
			return nil, fmt.Errorf("bundle %s has no major loop for pole %d", path, i)
		}
		sc := arrays[poleKey(i, "scalars")]
		if len(sc) != 5 {
			return nil, fmt.Errorf("%w: pole %d scalars have %d values, want 5", ErrShape, i, len(sc))
		}
		p.R, p.L, p.Displacement, p.FieldMin, p.FieldMax = sc[0], sc[1], sc[2], sc[3], sc[4]
		if p.StartLine, err = unflattenLine(arrays[poleKey(i, "start_line")]); err != nil {
			return nil, err
		}
		if p.DegaussLine, err = unflattenLine(arrays[poleKey(i, "degauss_line")]); err != nil {
			return nil, err
		}
		b.Poles = append(b.Poles, p)
	}
	return b, b.Validate()
}

package npyappend_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mokelab/kerrdaq/npyappend"
	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readNpy(t *testing.T, filename string) ([]int, []float64) {
	t.Helper()
	f, err := os.Open(filename)
	require.NoError(t, err)
	defer f.Close()
	r, err := npyio.NewReader(f)
	require.NoError(t, err)
	var data []float64
	require.NoError(t, r.Read(&data))
	return r.Header.Descr.Shape, data
}

func TestRowAppender(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "frames.npy")
	a, err := npyappend.Create(filename, 2)
	require.NoError(t, err)

	require.NoError(t, a.Flush())
	shape, data := readNpy(t, filename)
	assert.Equal(t, []int{0, 2}, shape)
	assert.Empty(t, data)

	require.NoError(t, a.Append([]float64{0, 1.5, 0.1, 2.5, 0.2, 3.5}))
	require.NoError(t, a.Flush())
	shape, data = readNpy(t, filename)
	assert.Equal(t, []int{3, 2}, shape)
	assert.Equal(t, []float64{0, 1.5, 0.1, 2.5, 0.2, 3.5}, data)

	assert.Error(t, a.Append([]float64{1, 2, 3}))
	big := make([]float64, 2*100000)
	require.NoError(t, a.Append(big))
	assert.Equal(t, 100003, a.Rows())
	require.NoError(t, a.Close())

	shape, data = readNpy(t, filename)
	assert.Equal(t, []int{100003, 2}, shape)
	assert.Len(t, data, 200006)
	info, err := os.Stat(filename)
	require.NoError(t, err)
	assert.EqualValues(t, 128+8*200006, info.Size())
}

func TestCreateErrors(t *testing.T) {
	_, err := npyappend.Create(filepath.Join(t.TempDir(), "x.npy"), 0)
	assert.Error(t, err)
	_, err = npyappend.Create(filepath.Join(t.TempDir(), "no-such-dir", "x.npy"), 2)
	assert.Error(t, err)
}

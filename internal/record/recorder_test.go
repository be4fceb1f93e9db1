package record

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

type fakeEncoder struct {
	err error
}

func (e fakeEncoder) EncodeJPEG(f types.Frame) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []byte{0xFF, 0xD8, byte(f.Seq), 0xFF, 0xD9}, nil
}

func TestRecorderSave(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, fakeEncoder{})
	require.NoError(t, err)

	// 08:54:09 local in UTC-3 is 11:54:09 UTC
	ts := time.Date(2024, 12, 30, 8, 54, 9, 0, time.FixedZone("ART", -3*3600))
	frame := types.Frame{SourceID: 3, Seq: 42, Timestamp: ts}

	path, err := r.Save(frame)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cam_03", "frame_000042_20241230_115409.jpg"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 42, 0xFF, 0xD9}, data)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	saved, failed := r.Stats()
	assert.Equal(t, uint64(1), saved)
	assert.Zero(t, failed)
	t.Logf("✅ saved %s", filepath.Base(path))
}

func TestRecorderEncodeFailure(t *testing.T) {
	r, err := New(t.TempDir(), fakeEncoder{err: errors.New("bad frame")})
	require.NoError(t, err)

	_, err = r.Save(types.Frame{SourceID: 1, Seq: 1, Timestamp: time.Now()})
	require.Error(t, err)

	saved, failed := r.Stats()
	assert.Zero(t, saved)
	assert.Equal(t, uint64(1), failed)
}

func TestNewValidation(t *testing.T) {
	_, err := New("", fakeEncoder{})
	assert.Error(t, err)

	_, err = New(t.TempDir(), nil)
	assert.Error(t, err)

	nested := filepath.Join(t.TempDir(), "a", "b")
	_, err = New(nested, fakeEncoder{})
	require.NoError(t, err)
	assert.DirExists(t, nested)
}

//go:build unix

package volume

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/slacker/internal/testimg"
)

func TestLocking(t *testing.T) {
	img, err := testimg.FAT(testimg.FATOptions{})
	require.NoError(t, err)
	p := writeImage(t, img.Data)

	r1, err := Open(p, Options{})
	require.NoError(t, err)
	r2, err := Open(p, Options{})
	require.NoError(t, err, "readers share the image")

	_, err = Open(p, Options{Writable: true})
	assert.ErrorContains(t, err, "locked")

	require.NoError(t, r1.Close())
	require.NoError(t, r2.Close())

	w, err := Open(p, Options{Writable: true})
	require.NoError(t, err)
	_, err = Open(p, Options{})
	assert.ErrorContains(t, err, "locked", "writers are exclusive")
	require.NoError(t, w.Close())
}

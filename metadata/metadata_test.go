package metadata

import (
	"fmt"
	"testing"

	uuid "github.com/satori/go.uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/slacker/slack"
)

func TestStoreRoundTrip(t *testing.T) {
	mfs := afero.NewMemMapFs()
	store := NewStore(mfs, "out/metadata.json")

	m, err := store.Load()
	require.NoError(t, err, "a missing sidecar is empty")
	assert.Empty(t, m.Files)

	m.Filesystem = "FAT16"
	id, err := m.Add(Entry{
		Filename: "secret.txt",
		Targets:  []string{"docs"},
		Manifest: slack.Manifest{{Offset: 4096, Length: 94}, {Offset: 9000, Length: 6}},
	})
	require.NoError(t, err)
	_, err = uuid.FromString(id)
	require.NoError(t, err, "generated ids are UUIDs")
	require.NoError(t, store.Save(m))

	exists, err := afero.Exists(mfs, "out/metadata.json.tmp")
	require.NoError(t, err)
	assert.False(t, exists)

	raw, err := afero.ReadFile(mfs, "out/metadata.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"manifest": [`)
	assert.Contains(t, string(raw), `"module": "file-slack"`)

	back, err := NewStore(mfs, "out/metadata.json").Load()
	require.NoError(t, err)
	assert.Equal(t, m, back)
	assert.Equal(t, uint64(100), back.Files[0].Size)
}

func TestLoadRejects(t *testing.T) {
	tests := map[string]string{
		"garbage":      `not json`,
		"old version":  `{"version":1,"module":"file-slack","files":[]}`,
		"other module": `{"version":2,"module":"mft-slack","files":[]}`,
		"bad manifest": `{"version":2,"module":"file-slack","files":[{"id":"x","manifest":[[1,-5]]}]}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			mfs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(mfs, "m.json", []byte(content), 0o644))
			_, err := NewStore(mfs, "m.json").Load()
			assert.Error(t, err)
		})
	}
}

func TestFindAndRemove(t *testing.T) {
	n := 0
	newID = func() string {
		n++
		return fmt.Sprintf("id-%02d", n)
	}
	t.Cleanup(func() { newID = func() string { return uuid.NewV4().String() } })

	m := New("ext4")
	for i := 0; i < 12; i++ {
		_, err := m.Add(Entry{Filename: fmt.Sprintf("f%d", i)})
		require.NoError(t, err)
	}

	e, err := m.Find("id-03")
	require.NoError(t, err)
	assert.Equal(t, "f2", e.Filename)

	_, err = m.Find("id-1")
	assert.Error(t, err, "id-10, id-11 and id-12 share the prefix")

	_, err = m.Find("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Add(Entry{ID: "id-05"})
	assert.Error(t, err, "duplicate ids are refused")

	require.NoError(t, m.Remove("id-05"))
	assert.Len(t, m.Files, 11)
	_, err = m.Find("id-05")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Remove("id-05"), ErrNotFound)
}

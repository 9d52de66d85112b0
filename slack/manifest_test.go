package slack

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestJSON(t *testing.T) {
	m := Manifest{{Offset: 1024, Length: 94}, {Offset: 1 << 40, Length: 10}}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `[[1024,94],[1099511627776,10]]`, string(data))

	var back Manifest
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m, back)
	assert.Equal(t, uint64(104), back.Len())

	data, err = json.Marshal(Manifest(nil))
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))
}

func TestManifestJSONRejects(t *testing.T) {
	for _, in := range []string{`[[1,4294967296]]`, `{"offset":1}`, `[[-1,2]]`} {
		var m Manifest
		assert.Error(t, json.Unmarshal([]byte(in), &m), in)
	}
}

func TestManifestBinary(t *testing.T) {
	m := Manifest{{Offset: 0x0102030405060708, Length: 0x0A0B0C0D}, {Offset: 7, Length: 1}}
	data, err := m.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, 24)
	assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0x0D, 0x0C, 0x0B, 0x0A}, data[:12])

	var back Manifest
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, m, back)

	assert.Error(t, back.UnmarshalBinary(data[:13]))

	data, err = Manifest(nil).MarshalBinary()
	require.NoError(t, err)
	assert.Empty(t, data)
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Empty(t, back)
}

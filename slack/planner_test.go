package slack

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/slacker/fsys"
)

// occupiedAt marks candidate offsets as already holding data.
type occupiedAt map[uint64]bool

func (o occupiedAt) Occupied(offset uint64, length uint32) (bool, error) {
	return o[offset], nil
}

type failingProbe struct{}

func (failingProbe) Occupied(uint64, uint32) (bool, error) {
	return false, &IOError{Op: "read", Err: errors.New("boom")}
}

func candidate(name string, off uint64, capacity uint32, explicit bool) Candidate {
	return Candidate{
		Region:   Region{File: fsys.FileID{Path: name}, Offset: off, Capacity: capacity},
		Explicit: explicit,
	}
}

func lengths(allocs []Allocation) []uint32 {
	var out []uint32
	for _, a := range allocs {
		out = append(out, a.Length)
	}
	return out
}

func TestPlan(t *testing.T) {
	three := []Candidate{
		candidate("a", 1000, 94, false),
		candidate("b", 2000, 186, false),
		candidate("c", 3000, 50, false),
	}

	tests := []struct {
		name       string
		payload    int
		candidates []Candidate
		probe      Prober
		overwrite  bool
		want       []uint32
	}{
		{"empty payload", 0, three, nil, false, nil},
		{"fits first", 10, three, nil, false, []uint32{10}},
		{"greedy in order", 290, three, nil, false, []uint32{94, 186, 10}},
		{"exact total", 330, three, nil, false, []uint32{94, 186, 50}},
		{"zero capacity skipped", 100, []Candidate{
			candidate("z", 500, 0, true),
			candidate("a", 1000, 94, false),
			candidate("b", 2000, 186, false),
		}, nil, false, []uint32{94, 6}},
		{"occupied expansion skipped", 100, three, occupiedAt{1000: true}, false, []uint32{100}},
		{"overwrite ignores occupancy", 100, three, occupiedAt{1000: true, 2000: true}, true, []uint32{94, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allocs, err := Plan(tt.payload, tt.candidates, tt.probe, tt.overwrite)
			require.NoError(t, err)
			assert.Equal(t, tt.want, lengths(allocs))

			var total uint64
			for _, a := range allocs {
				assert.NotZero(t, a.Length)
				total += uint64(a.Length)
			}
			assert.Equal(t, uint64(tt.payload), total)
		})
	}
}

func TestPlanAddresses(t *testing.T) {
	allocs, err := Plan(290, []Candidate{
		candidate("a", 1000, 94, false),
		candidate("b", 2000, 186, false),
		candidate("c", 3000, 50, false),
	}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []Allocation{
		{File: fsys.FileID{Path: "a"}, Address: Address{Offset: 1000, Length: 94}},
		{File: fsys.FileID{Path: "b"}, Address: Address{Offset: 2000, Length: 186}},
		{File: fsys.FileID{Path: "c"}, Address: Address{Offset: 3000, Length: 10}},
	}, allocs)
}

func TestPlanInsufficientSpace(t *testing.T) {
	two := []Candidate{candidate("a", 1000, 94, false), candidate("b", 2000, 186, false)}
	_, err := Plan(290, two, nil, false)
	require.ErrorIs(t, err, ErrInsufficientSpace)

	var se *SpaceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, &SpaceError{Required: 290, Available: 280}, se)

	// Skipped regions do not count as available.
	_, err = Plan(200, two, occupiedAt{1000: true}, false)
	require.True(t, errors.As(err, &se))
	assert.Equal(t, uint64(186), se.Available)

	_, err = Plan(1, nil, nil, false)
	require.ErrorIs(t, err, ErrInsufficientSpace)
}

func TestPlanExplicitOccupied(t *testing.T) {
	candidates := []Candidate{
		candidate("free", 1000, 94, true),
		candidate("used", 2000, 186, true),
	}

	// The first region satisfies the payload, so the occupied one is never
	// considered.
	_, err := Plan(50, candidates, occupiedAt{2000: true}, false)
	require.NoError(t, err)

	_, err = Plan(150, candidates, occupiedAt{2000: true}, false)
	require.ErrorIs(t, err, ErrNoFreeSlack)
	var pe *fs.PathError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "used", pe.Path)

	allocs, err := Plan(150, candidates, occupiedAt{2000: true}, true)
	require.NoError(t, err)
	assert.Equal(t, []uint32{94, 56}, lengths(allocs))
}

func TestPlanProbeError(t *testing.T) {
	_, err := Plan(10, []Candidate{candidate("a", 0, 94, false)}, failingProbe{}, false)
	require.ErrorIs(t, err, ErrIOFailure)
}

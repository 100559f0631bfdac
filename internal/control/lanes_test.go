package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLanes_Partition(t *testing.T) {
	cases := []struct{ width, count int }{
		{300, 3}, {640, 4}, {641, 4}, {1280, 7}, {5, 5}, {100, 1}, {1000, 3},
	}
	for _, tc := range cases {
		lanes, err := NewLanes(tc.width, tc.count)
		require.NoError(t, err, "W=%d R=%d", tc.width, tc.count)
		require.Equal(t, tc.count, lanes.Len())

		all := lanes.All()
		assert.Equal(t, 0, all[0].Start)
		assert.Equal(t, tc.width, all[len(all)-1].End)
		for i := 1; i < len(all); i++ {
			assert.Equal(t, all[i-1].End, all[i].Start, "W=%d R=%d lane %d", tc.width, tc.count, i)
		}
		for x := 0; x < tc.width; x++ {
			lane, ok := lanes.Lookup(x)
			require.True(t, ok, "W=%d R=%d x=%d", tc.width, tc.count, x)
			assert.True(t, all[lane].Start <= x && x < all[lane].End)
		}
	}
}

func TestNewLanes_ThreeEvenLanes(t *testing.T) {
	lanes, err := NewLanes(300, 3)
	require.NoError(t, err)

	for x, want := range map[int]int{0: 0, 99: 0, 100: 1, 199: 1, 200: 2, 250: 2, 299: 2} {
		got, ok := lanes.Lookup(x)
		require.True(t, ok)
		assert.Equal(t, want, got, "x=%d", x)
	}
}

func TestLanes_OutOfRange(t *testing.T) {
	lanes, err := NewLanes(300, 3)
	require.NoError(t, err)

	_, ok := lanes.Lookup(-1)
	assert.False(t, ok)
	_, ok = lanes.Lookup(300)
	assert.False(t, ok)
}

func TestNewLanes_Invalid(t *testing.T) {
	_, err := NewLanes(300, 0)
	assert.Error(t, err)
	_, err = NewLanes(2, 3)
	assert.Error(t, err)
}

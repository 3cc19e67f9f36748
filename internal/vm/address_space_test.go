package vm

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/vmbus/internal/model"
)

type sizedRegion struct {
	data []byte
}

func newRegion(size int) *sizedRegion {
	return &sizedRegion{data: make([]byte, size)}
}

func (r *sizedRegion) Size() uint64 {
	return uint64(len(r.data))
}

func (r *sizedRegion) ReadAt(p []byte, off uint64) error {
	copy(p, r.data[off:])
	return nil
}

func (r *sizedRegion) WriteAt(p []byte, off uint64) error {
	copy(r.data[off:], p)
	return nil
}

func TestMapRejectsOverlap(t *testing.T) {
	space := NewAddressSpace()
	owner := uuid.New()

	require.Nil(t, space.Map(owner, 0x1000, newRegion(0x1000), false))

	cases := []struct {
		name string
		base uint64
		size int
		err  error
	}{
		{"same range", 0x1000, 0x1000, ErrAddressConflict},
		{"overlaps start", 0x800, 0x1000, ErrAddressConflict},
		{"overlaps end", 0x1fff, 0x10, ErrAddressConflict},
		{"adjacent below", 0x0, 0x1000, nil},
		{"adjacent above", 0x2000, 0x1000, nil},
		{"zero size", 0x9000, 0, ErrZeroSize},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := space.Map(uuid.New(), tc.base, newRegion(tc.size), false)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}

			assert.Nil(t, err)
		})
	}

	assert.Len(t, space.Mappings(), 3)
	assert.Equal(t, 1, space.Unmap(owner))
	assert.Len(t, space.Mappings(), 2)
}

func TestReadWriteDispatch(t *testing.T) {
	space := NewAddressSpace()
	region := newRegion(0x100)

	require.Nil(t, space.Map(uuid.New(), 0x4000, region, false))
	require.Nil(t, space.Write(0x4010, []byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, region.data[0x10:0x13])

	got := make([]byte, 3)
	require.Nil(t, space.Read(0x4010, got))
	assert.Equal(t, []byte{1, 2, 3}, got)

	assert.ErrorIs(t, space.Read(0x5000, got), ErrUnmapped)
	assert.ErrorIs(t, space.Write(0x40ff, []byte{1, 2}), ErrUnmapped)
}

func TestPlacement(t *testing.T) {
	const size = 0x2000

	cases := []struct {
		name      string
		placement Placement
		existing  [][2]uint64
		want      []uint64
	}{
		{
			"contiguous packs upwards",
			Contiguous{Base: 0x80000000, Limit: 0x80010000},
			nil,
			[]uint64{0x80000000, 0x80002000, 0x80004000},
		},
		{
			"contiguous skips small gaps",
			Contiguous{Base: 0x80000000, Limit: 0x80010000},
			[][2]uint64{{0x80001000, 0x1000}},
			[]uint64{0x80002000, 0x80004000},
		},
		{
			"top down packs downwards",
			TopDown{Base: 0x80000000, Limit: 0x80010000},
			nil,
			[]uint64{0x8000e000, 0x8000c000},
		},
		{
			"top down below a fixed region",
			TopDown{Base: 0x80000000, Limit: 0x80010000},
			[][2]uint64{{0x8000f000, 0x1000}},
			[]uint64{0x8000d000},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			space := NewAddressSpace()
			for _, e := range tc.existing {
				require.Nil(t, space.Map(uuid.New(), e[0], newRegion(int(e[1])), false))
			}

			for _, want := range tc.want {
				base, err := tc.placement.Place(space, size)
				require.Nil(t, err)
				assert.Equal(t, want, base)
				require.Nil(t, space.Map(uuid.New(), base, newRegion(size), true))
			}
		})
	}
}

func TestPlacementExhausted(t *testing.T) {
	space := NewAddressSpace()
	p := Contiguous{Base: 0x80000000, Limit: 0x80001000}

	_, err := p.Place(space, 0x2000)
	assert.ErrorIs(t, err, ErrNoSpace)

	_, err = TopDown(p).Place(space, 0x2000)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestNewPlacement(t *testing.T) {
	p, err := NewPlacement("", 0, 0)
	require.Nil(t, err)
	assert.Equal(t, Contiguous{Base: DefaultMemoryBase, Limit: DefaultMemoryLimit}, p)

	p, err = NewPlacement("top-down", 0x1000, 0x10000)
	require.Nil(t, err)
	assert.Equal(t, TopDown{Base: 0x1000, Limit: 0x10000}, p)

	_, err = NewPlacement("scatter", 0, 0)
	assert.ErrorIs(t, err, model.ErrConfig)

	_, err = NewPlacement("", 0x2000, 0x1000)
	assert.ErrorIs(t, err, model.ErrConfig)
}

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	number uint32
	empty  bool
}

func (f *fakeEntry) Number() uint32 { return f.number }
func (f *fakeEntry) IsEmpty() bool  { return f.empty }

func TestLookup_MissOnEmptyRegistry(t *testing.T) {
	r := New()
	_, ok := r.Lookup(0)
	assert.False(t, ok)
}

func TestLookup_FindsRegisteredUnitAndBumpsMRU(t *testing.T) {
	r := New()
	a := &fakeEntry{number: 0}
	b := &fakeEntry{number: 1}
	r.Register(a)
	r.Register(b)

	found, ok := r.Lookup(0)
	require.True(t, ok)
	assert.Same(t, a, found)

	snap := r.IterSnapshot()
	require.Len(t, snap, 2)
	assert.Same(t, a, snap[0], "MRU bump should move unit 0 to the front")
}

func TestAllocateNext_ReturnsMaxPlusOneOnEmptyRegistry(t *testing.T) {
	r := New()
	n, reuse, err := r.AllocateNext()
	require.NoError(t, err)
	assert.False(t, reuse)
	assert.EqualValues(t, 0, n)
}

func TestAllocateNext_ReusesEmptyRunningUnit(t *testing.T) {
	r := New()
	r.Register(&fakeEntry{number: 0, empty: false})
	r.Register(&fakeEntry{number: 1, empty: true})
	r.Register(&fakeEntry{number: 2, empty: false})

	n, reuse, err := r.AllocateNext()
	require.NoError(t, err)
	assert.True(t, reuse)
	assert.EqualValues(t, 1, n)
}

func TestAllocateNext_SkipsExistingNumbersWhenNoneEmpty(t *testing.T) {
	r := New()
	r.Register(&fakeEntry{number: 0, empty: false})
	r.Register(&fakeEntry{number: 3, empty: false})

	n, reuse, err := r.AllocateNext()
	require.NoError(t, err)
	assert.False(t, reuse)
	assert.EqualValues(t, 4, n)
}

func TestIterSnapshot_OrderedConsistently(t *testing.T) {
	r := New()
	r.Register(&fakeEntry{number: 0})
	r.Register(&fakeEntry{number: 1})
	r.Register(&fakeEntry{number: 2})

	snap := r.IterSnapshot()
	require.Len(t, snap, 3)
	assert.EqualValues(t, 2, snap[0].Number())
	assert.EqualValues(t, 1, snap[1].Number())
	assert.EqualValues(t, 0, snap[2].Number())
}

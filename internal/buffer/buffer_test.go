package buffer

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestAllocate_Aligned(t *testing.T) {
	buf := Allocate(5632, MemoryPublic)
	addr := uintptr(unsafe.Pointer(&buf.Bytes()[0]))
	assert.Zero(t, addr%alignment)
	assert.Len(t, buf.Bytes(), 5632)
}

func TestAllocate_Sizes(t *testing.T) {
	for _, size := range []int{512, 5632, 11264, 1} {
		buf := Allocate(size, MemoryPublic)
		assert.Len(t, buf.Bytes(), size)
	}
}

func TestReset_ZeroesContents(t *testing.T) {
	buf := Allocate(16, MemoryPublic)
	copy(buf.Bytes(), []byte("0123456789ABCDEF"))
	buf.Reset()
	for _, b := range buf.Bytes() {
		assert.Zero(t, b)
	}
}

func TestDiscoverMemoryFlags_MissingPath(t *testing.T) {
	flags := DiscoverMemoryFlags("/nonexistent/path/does/not/exist.adf")
	assert.Equal(t, MemoryPublic, flags)
}

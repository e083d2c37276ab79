package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddress(t *testing.T) {
	assert.Equal(t, uint64(0), Address(uint64(0), 8))
	assert.Equal(t, uint64(8), Address(uint64(1), 8))
	assert.Equal(t, uint64(8), Address(uint64(8), 8))
	assert.Equal(t, 12, Address(9, 4))

	// Zero alignment leaves the address alone.
	assert.Equal(t, uint32(7), Address(uint32(7), 0))
}

func TestPage(t *testing.T) {
	assert.Equal(t, 0, Page(0))
	assert.Equal(t, PageSize, Page(1))
	assert.Equal(t, PageSize, Page(PageSize))
	assert.Equal(t, 2*PageSize, Page(PageSize+1))
}

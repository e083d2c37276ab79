package mem

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davejbax/kmodld/internal/align"
)

func TestPermFromFlags(t *testing.T) {
	assert.Equal(t, Read, PermFromFlags(elf.SHF_ALLOC))
	assert.Equal(t, Read|Write, PermFromFlags(elf.SHF_ALLOC|elf.SHF_WRITE))
	assert.Equal(t, Read|Exec, PermFromFlags(elf.SHF_ALLOC|elf.SHF_EXECINSTR))
	assert.Equal(t, Perm(0), PermFromFlags(0))
}

func TestPermString(t *testing.T) {
	assert.Equal(t, "RWX", (Read | Write | Exec).String())
	assert.Equal(t, "RX", (Read | Exec).String())
	assert.Equal(t, "", Perm(0).String())
}

func TestSliceProviderAlloc(t *testing.T) {
	region, err := SliceProvider{}.Alloc(2 * align.PageSize)
	require.NoError(t, err)
	defer region.Free()

	assert.Zero(t, region.Addr()%align.PageSize)
	assert.Len(t, region.Bytes(), 2*align.PageSize)
	assert.Equal(t, make([]byte, 2*align.PageSize), region.Bytes())
	assert.Equal(t, Read|Write, region.Perm())

	require.NoError(t, region.Protect(Read|Exec))
	assert.Equal(t, Read|Exec, region.Perm())
}

func TestSliceProviderRejectsUnalignedSize(t *testing.T) {
	_, err := SliceProvider{}.Alloc(100)
	require.ErrorIs(t, err, ErrBadSize)

	_, err = SliceProvider{}.Alloc(0)
	require.ErrorIs(t, err, ErrBadSize)
}

func TestSliceRegionFree(t *testing.T) {
	region, err := SliceProvider{}.Alloc(align.PageSize)
	require.NoError(t, err)

	region.Free()
	assert.Nil(t, region.Bytes())
}

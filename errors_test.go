package trackfile

import (
	"testing"

	ferrors "github.com/obarthel/trackfile/errors"
	"github.com/stretchr/testify/assert"
)

func TestDriverError_Error_DefaultMessage(t *testing.T) {
	err := NewDriverError(ferrors.ErrNoMediumPresent)
	assert.Equal(t, ferrors.ErrNoMediumPresent.Error(), err.Error())
}

func TestDriverError_Error_CustomMessage(t *testing.T) {
	err := NewDriverErrorWithMessage(ferrors.ErrBadAddress, "offset 513 is not sector-aligned")
	assert.Contains(t, err.Error(), "offset 513 is not sector-aligned")
	assert.Contains(t, err.Error(), ferrors.ErrBadAddress.Error())
}

func TestDriverError_Unwrap(t *testing.T) {
	err := NewDriverError(ferrors.ErrDuplicateDisk)
	assert.ErrorIs(t, err, ferrors.ErrDuplicateDisk)
}

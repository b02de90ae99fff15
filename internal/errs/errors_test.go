package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorUnwrap(t *testing.T) {
	err := Wrap("start call", ErrInvalidState, "camera not acquired")

	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "start call: invalid state (camera not acquired)", err.Error())
}

func TestCauseMatchesBoth(t *testing.T) {
	denied := errors.New("permission denied")
	err := Cause("acquire camera", ErrMediaAcquisition, denied)

	assert.ErrorIs(t, err, ErrMediaAcquisition)
	assert.ErrorIs(t, err, denied)
}

func TestCallFailedIs(t *testing.T) {
	var err error = &CallFailed{SessionID: "abc", Originator: "remote", Cause: "Busy"}

	assert.ErrorIs(t, err, ErrCallFailed)
	assert.NotErrorIs(t, err, ErrInvalidState)

	var cf *CallFailed
	assert.True(t, errors.As(err, &cf))
	assert.Equal(t, "Busy", cf.Cause)
}

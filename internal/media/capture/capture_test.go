package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/BioHazard786/huddle/internal/media"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(fmt.Errorf("open /dev/video0: %w", os.ErrPermission)), media.ErrPermissionDenied)
	assert.ErrorIs(t, classify(errors.New("failed to find the best driver that fits the constraints")), media.ErrConstraintsUnsatisfiable)
	assert.ErrorIs(t, classify(fmt.Errorf("%w: cam", media.ErrDeviceNotFound)), media.ErrDeviceNotFound)
	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)
}

func TestIdealSize(t *testing.T) {
	v := media.DefaultConstraints().Video
	assert.Equal(t, 1280, idealWidth(*v))
	assert.Equal(t, 720, idealHeight(*v))

	narrow := media.VideoConstraints{MinWidth: 320, MaxWidth: 640, MinHeight: 240, MaxHeight: 480}
	assert.Equal(t, 320, idealWidth(narrow))
	assert.Equal(t, 240, idealHeight(narrow))
}

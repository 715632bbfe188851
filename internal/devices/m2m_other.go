//go:build !linux

package devices

import (
	"errors"

	"github.com/smazurov/m2menc/internal/encoder"
)

var errUnsupportedPlatform = errors.New("V4L2 encoders are only available on Linux")

func openM2M(string) (encoder.Device, error) {
	return nil, errUnsupportedPlatform
}

func listEncoders() ([]Info, error) {
	return []Info{}, nil
}

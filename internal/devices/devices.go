// Package devices opens encoder devices by path. Real hardware goes through
// the V4L2 memory-to-memory adapter; the path "sim" selects the in-memory
// simulator.
package devices

import (
	"strings"

	"github.com/smazurov/m2menc/internal/encoder"
	"github.com/smazurov/m2menc/internal/logging"
	"github.com/smazurov/m2menc/internal/simdevice"
)

// SimulatorPath selects the simulated encoder. "sim:<name>" works too.
const SimulatorPath = "sim"

// Info describes an encoder found on this host.
type Info struct {
	Path   string   `json:"path"`
	Name   string   `json:"name"`
	Driver string   `json:"driver"`
	ID     string   `json:"id"`
	Codecs []string `json:"codecs"`
}

// Open opens the encoder at path. path may be a device node, a video4linux
// name such as "video11", a stable by-path/by-id link name, "auto" for the
// first encoder found, or the simulator.
func Open(path string) (encoder.Device, error) {
	if path == SimulatorPath || strings.HasPrefix(path, SimulatorPath+":") {
		return simdevice.New(simdevice.WithName(path)), nil
	}

	resolved, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}
	logging.GetLogger("devices").Debug("Opening encoder", "requested", path, "path", resolved)
	return openM2M(resolved)
}

// List returns the encoders available on this host.
func List() ([]Info, error) {
	return listEncoders()
}

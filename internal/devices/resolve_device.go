package devices

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoEncoder is returned when "auto" finds no encoder.
var ErrNoEncoder = errors.New("no hardware encoder found")

// ResolvePath converts a device reference to a device node path.
func ResolvePath(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("empty device path")
	}

	if ref == "auto" {
		encoders, err := List()
		if err != nil {
			return "", err
		}
		if len(encoders) == 0 {
			return "", ErrNoEncoder
		}
		return encoders[0].Path, nil
	}

	// If it's already a full path, use it directly
	if strings.HasPrefix(ref, "/") {
		return ref, nil
	}

	if strings.HasPrefix(ref, "video") {
		return "/dev/" + ref, nil
	}

	// Stable names for platform encoders live under by-path
	for _, dir := range []string{"/dev/v4l/by-path/", "/dev/v4l/by-id/"} {
		devicePath := dir + ref
		if _, err := os.Stat(devicePath); err == nil {
			return devicePath, nil
		}
	}

	return "", fmt.Errorf("no device node found for %q", ref)
}

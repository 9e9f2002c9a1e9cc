package lot

import (
	"fmt"
	"strings"
)

// Mode selects which durable destinations a write is attempted against.
type Mode string

// Destination modes. The environment spellings "spaces" and "off" map onto remote and none.
const (
	ModeNone   Mode = "none"
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeBoth   Mode = "both"
)

// ParseMode accepts both the canonical names and the environment spellings.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "off", "none", "false", "0":
		return ModeNone, nil
	case "local":
		return ModeLocal, nil
	case "spaces", "remote", "s3", "gcs":
		return ModeRemote, nil
	case "both":
		return ModeBoth, nil
	default:
		return "", fmt.Errorf("unknown destination mode %q", raw)
	}
}

// Local reports whether the mode includes the local filesystem.
func (m Mode) Local() bool {
	return m == ModeLocal || m == ModeBoth
}

// Remote reports whether the mode includes object storage.
func (m Mode) Remote() bool {
	return m == ModeRemote || m == ModeBoth
}

// Enabled reports whether any destination is selected.
func (m Mode) Enabled() bool {
	return m.Local() || m.Remote()
}

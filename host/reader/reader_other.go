//go:build !linux

package reader

import (
	"fmt"

	"cardreader/config"
	"cardreader/core"
	"cardreader/protocol"
)

func (r *Reader) openPCI(cfg *config.Config) (*core.Profile, error) {
	return nil, fmt.Errorf("pci transport needs linux sysfs: %w", protocol.ErrUnsupported)
}

//go:build darwin

package keepawake

import (
	"os"
	"strconv"
)

// NewDefaultAdapter inhibits idle sleep with caffeinate. The -w flag ties
// it to the host process, so a crashed host does not keep the Mac awake.
func NewDefaultAdapter() Adapter {
	return &execAdapter{
		name: "caffeinate",
		args: []string{"-i", "-w", strconv.Itoa(os.Getpid())},
	}
}

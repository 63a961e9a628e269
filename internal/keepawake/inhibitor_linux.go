//go:build linux

package keepawake

import (
	"os"
	"strconv"
)

// NewDefaultAdapter takes a systemd sleep inhibitor lock. The lock lives
// as long as the tail it wraps, which exits with the host process.
func NewDefaultAdapter() Adapter {
	return &execAdapter{
		name: "systemd-inhibit",
		args: []string{
			"--what=idle:sleep",
			"--who=llamas",
			"--why=Hosting a game",
			"--mode=block",
			"tail", "--pid=" + strconv.Itoa(os.Getpid()), "-f", "/dev/null",
		},
	}
}

//go:build unix && !linux

package localterm

import (
	"golang.org/x/sys/unix"

	"github.com/serline/libterm-go/base"
)

func setCustomSpeed(fd, baud int) error {
	return base.ErrCustomBaudUnsupported
}

func customSpeed(tio *unix.Termios) (int, bool) {
	return 0, false
}

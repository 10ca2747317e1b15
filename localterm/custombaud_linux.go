//go:build linux

package localterm

import "golang.org/x/sys/unix"

// setCustomSpeed programs an arbitrary integer rate through the termios2
// interface. The rest of the configuration is untouched.
func setCustomSpeed(fd, baud int) error {
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS2)
	if err != nil {
		return err
	}
	tio.Cflag = (tio.Cflag &^ unix.CBAUD) | unix.BOTHER
	tio.Ispeed = uint32(baud)
	tio.Ospeed = uint32(baud)
	return unix.IoctlSetTermios(fd, unix.TCSETS2, tio)
}

// customSpeed decodes a termios2-coded rate, when that is what the device
// is set to.
func customSpeed(tio *unix.Termios) (int, bool) {
	if tio.Cflag&unix.CBAUD == unix.BOTHER {
		return int(tio.Ospeed), true
	}
	return 0, false
}

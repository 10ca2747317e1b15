//go:build linux

package localterm

import "golang.org/x/sys/unix"

// baudTable maps the standard bit rates to their termios speed codes, in
// ascending rate order.
var baudTable = []struct {
	speed int
	code  uint32
}{
	{0, unix.B0},
	{50, unix.B50},
	{75, unix.B75},
	{110, unix.B110},
	{134, unix.B134},
	{150, unix.B150},
	{200, unix.B200},
	{300, unix.B300},
	{600, unix.B600},
	{1200, unix.B1200},
	{1800, unix.B1800},
	{2400, unix.B2400},
	{4800, unix.B4800},
	{9600, unix.B9600},
	{19200, unix.B19200},
	{38400, unix.B38400},
	{57600, unix.B57600},
	{115200, unix.B115200},
	{230400, unix.B230400},
	{460800, unix.B460800},
	{500000, unix.B500000},
	{576000, unix.B576000},
	{921600, unix.B921600},
	{1000000, unix.B1000000},
	{1152000, unix.B1152000},
	{1500000, unix.B1500000},
	{2000000, unix.B2000000},
	{2500000, unix.B2500000},
	{3000000, unix.B3000000},
	{3500000, unix.B3500000},
	{4000000, unix.B4000000},
}

// fallbackBaud is a rate every serial device understands; it is what the
// device is left at when a custom rate cannot be applied.
const fallbackBaud = 9600

func baudCode(speed int) (uint32, bool) {
	for _, e := range baudTable {
		if e.speed == speed {
			return e.code, true
		}
	}
	return 0, false
}

func codeSpeed(code uint32) (int, bool) {
	for _, e := range baudTable {
		if e.code == code {
			return e.speed, true
		}
	}
	return 0, false
}

// BaudStd reports whether baud is in the standard rate table.
func BaudStd(baud int) bool {
	_, ok := baudCode(baud)
	return ok
}

// BaudOK reports whether baud is acceptable to this backend: any positive
// rate is, standard or not, since non-standard rates go through the
// custom-speed path.
func BaudOK(baud int) bool {
	return baud > 0
}

// BaudUp returns the next standard rate above baud, or baud itself when
// already at or beyond the top of the table.
func BaudUp(baud int) int {
	for _, e := range baudTable {
		if e.speed > baud {
			return e.speed
		}
	}
	return baud
}

// BaudDown returns the next standard rate below baud, or baud itself when
// already at or below the bottom of the table.
func BaudDown(baud int) int {
	down := baud
	for _, e := range baudTable {
		if e.speed >= baud {
			break
		}
		down = e.speed
	}
	return down
}

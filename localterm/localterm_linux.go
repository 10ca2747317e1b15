//go:build linux

package localterm

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/serline/libterm-go/base"
)

// Term is the local terminal backend with its supporting surface.
type Term interface {
	base.TermBackend
	SetLogger(logger *zap.SugaredLogger)
	Name() string
	Fd() int
}

type localTerm struct {
	fd     int
	name   string
	owned  bool // fd was opened here, Fini closes it
	opened bool
	logger *zap.SugaredLogger
}

// New wraps an already open file descriptor. The caller keeps ownership of
// the descriptor; Fini leaves it open. name is used for log messages only.
func New(fd int, name string) Term {
	return &localTerm{fd: fd, name: name}
}

// Open opens device for read/write without making it the controlling
// terminal and wraps it. Fini closes the descriptor.
func Open(device string) (Term, error) {
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	return &localTerm{fd: fd, name: device, owned: true}, nil
}

func (l *localTerm) logf(format string, v ...any) {
	if l.logger != nil {
		l.logger.Infof(format, v...)
	}
}

func (l *localTerm) SetLogger(logger *zap.SugaredLogger) {
	l.logger = logger
}

func (l *localTerm) Name() string {
	return l.name
}

func (l *localTerm) Fd() int {
	return l.fd
}

func (l *localTerm) Init() error {
	if l.opened {
		return nil
	}
	if _, err := unix.IoctlGetTermios(l.fd, unix.TCGETS); err != nil {
		return fmt.Errorf("%w: %s: %v", base.ErrNotATerminal, l.name, err)
	}
	l.opened = true
	l.logf("Attached to %s", l.name)
	return nil
}

func (l *localTerm) Fini() error {
	if !l.opened {
		return nil
	}
	l.opened = false
	l.logf("Detached from %s", l.name)
	if l.owned {
		return unix.Close(l.fd)
	}
	return nil
}

func (l *localTerm) GetConfig() (base.Config, error) {
	tio, err := unix.IoctlGetTermios(l.fd, unix.TCGETS)
	if err != nil {
		return base.Config{}, fmt.Errorf("%w: %v", base.ErrGetAttr, err)
	}
	return decodeConfig(tio)
}

// SetConfig applies cfg to the device. With now set the change takes
// effect immediately; otherwise pending output is drained and pending
// input discarded first. Non-standard baud rates are applied in two steps:
// everything else at a fallback rate, then the rate itself through the
// custom-speed interface, so a refused rate leaves the device in a usable
// state.
func (l *localTerm) SetConfig(cfg *base.Config, now bool) error {
	tio, err := unix.IoctlGetTermios(l.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("%w: %v", base.ErrGetAttr, err)
	}
	if err = encodeConfig(cfg, tio); err != nil {
		return err
	}

	custom := false
	if code, ok := baudCode(cfg.BaudRate); ok {
		setSpeedCode(tio, code)
	} else {
		if !BaudOK(cfg.BaudRate) {
			return fmt.Errorf("%w: %d", base.ErrInvalidBaud, cfg.BaudRate)
		}
		code, _ := baudCode(fallbackBaud)
		setSpeedCode(tio, code)
		custom = true
	}

	req := uint(unix.TCSETSF)
	if now {
		req = unix.TCSETS
	}
	if err = unix.IoctlSetTermios(l.fd, req, tio); err != nil {
		return fmt.Errorf("%w: %v", base.ErrSetAttr, err)
	}

	if custom {
		if err = setCustomSpeed(l.fd, cfg.BaudRate); err != nil {
			// device stays at the fallback rate
			return fmt.Errorf("%w: %d bps: %v", base.ErrSetSpeed, cfg.BaudRate, err)
		}
	}
	l.logf("Configured %s: %d bps", l.name, cfg.BaudRate)
	return nil
}

func (l *localTerm) ModemGet() (base.ModemBits, error) {
	mctl, err := unix.IoctlGetInt(l.fd, unix.TIOCMGET)
	if err != nil {
		if err == unix.ENOTTY || err == unix.EINVAL {
			// ptys have no modem lines
			return base.ModemUnavail, nil
		}
		return 0, fmt.Errorf("%w: %v", base.ErrModemGet, err)
	}
	return decodeModem(mctl), nil
}

func (l *localTerm) ModemBis(bits base.ModemBits) error {
	if err := unix.IoctlSetPointerInt(l.fd, unix.TIOCMBIS, encodeModem(bits)); err != nil {
		return fmt.Errorf("%w: %v", base.ErrModemSet, err)
	}
	return nil
}

func (l *localTerm) ModemBic(bits base.ModemBits) error {
	if err := unix.IoctlSetPointerInt(l.fd, unix.TIOCMBIC, encodeModem(bits)); err != nil {
		return fmt.Errorf("%w: %v", base.ErrModemSet, err)
	}
	return nil
}

// SendBreak transmits a break of default duration (250ms to 500ms).
func (l *localTerm) SendBreak() error {
	if err := unix.IoctlSetInt(l.fd, unix.TCSBRKP, 0); err != nil {
		return fmt.Errorf("%w: %v", base.ErrBreak, err)
	}
	return nil
}

func (l *localTerm) Flush(sel base.FlushSelector) error {
	var arg int
	switch sel {
	case base.FlushInput:
		arg = unix.TCIFLUSH
	case base.FlushOutput:
		arg = unix.TCOFLUSH
	case base.FlushBoth:
		arg = unix.TCIOFLUSH
	default:
		return fmt.Errorf("%w: unknown selector %d", base.ErrFlush, sel)
	}
	if err := unix.IoctlSetInt(l.fd, unix.TCFLSH, arg); err != nil {
		return fmt.Errorf("%w: %v", base.ErrFlush, err)
	}
	return nil
}

// Drain waits until every queued output byte has left the device.
func (l *localTerm) Drain() error {
	for {
		err := unix.IoctlSetInt(l.fd, unix.TCSBRK, 1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", base.ErrDrain, err)
		}
		return nil
	}
}

func (l *localTerm) Read(p []byte) (n int, err error) {
	if !l.opened {
		return 0, base.ErrNotOpened
	}
	for {
		n, err = unix.Read(l.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, base.ErrNothingToRead
		}
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", l.name, err)
		}
		if n == 0 && len(p) > 0 {
			return 0, base.ErrConnectionClosed
		}
		return n, nil
	}
}

func (l *localTerm) Write(src []byte) error {
	if !l.opened {
		return base.ErrNotOpened
	}
	for len(src) > 0 {
		n, err := unix.Write(l.fd, src)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", l.name, err)
		}
		src = src[n:]
	}
	return nil
}

// setSpeedCode stores a standard speed code in both rate fields.
func setSpeedCode(tio *unix.Termios, code uint32) {
	tio.Cflag = (tio.Cflag &^ unix.CBAUD) | code
	tio.Ispeed = code
	tio.Ospeed = code
}

func encodeConfig(cfg *base.Config, tio *unix.Termios) error {
	switch cfg.DataBits {
	case base.Serial5DataBits:
		tio.Cflag = (tio.Cflag &^ unix.CSIZE) | unix.CS5
	case base.Serial6DataBits:
		tio.Cflag = (tio.Cflag &^ unix.CSIZE) | unix.CS6
	case base.Serial7DataBits:
		tio.Cflag = (tio.Cflag &^ unix.CSIZE) | unix.CS7
	case base.Serial8DataBits:
		tio.Cflag = (tio.Cflag &^ unix.CSIZE) | unix.CS8
	default:
		return fmt.Errorf("%w: %d", base.ErrInvalidDataBits, cfg.DataBits)
	}

	switch cfg.Parity {
	case base.SerialNoParity:
		tio.Cflag &^= unix.PARENB | unix.PARODD | unix.CMSPAR
	case base.SerialOddParity:
		tio.Cflag &^= unix.CMSPAR
		tio.Cflag |= unix.PARENB | unix.PARODD
	case base.SerialEvenParity:
		tio.Cflag &^= unix.PARODD | unix.CMSPAR
		tio.Cflag |= unix.PARENB
	case base.SerialMarkParity:
		tio.Cflag |= unix.PARENB | unix.PARODD | unix.CMSPAR
	case base.SerialSpaceParity:
		tio.Cflag &^= unix.PARODD
		tio.Cflag |= unix.PARENB | unix.CMSPAR
	default:
		return fmt.Errorf("%w: %d", base.ErrInvalidParity, cfg.Parity)
	}

	switch cfg.StopBits {
	case base.SerialOneStopBit:
		tio.Cflag &^= unix.CSTOPB
	case base.SerialTwoStopBits, base.SerialOneAndHalfStopBits:
		// termios has no 1.5 stop bits, 2 is the closest it can do
		tio.Cflag |= unix.CSTOPB
	default:
		return fmt.Errorf("%w: %d", base.ErrInvalidStopBits, cfg.StopBits)
	}

	switch cfg.FlowControl {
	case base.SerialNoFlowControl:
		tio.Cflag &^= unix.CRTSCTS
		tio.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	case base.SerialSWFlowControl:
		tio.Cflag &^= unix.CRTSCTS
		tio.Iflag |= unix.IXON | unix.IXOFF
	case base.SerialHWFlowControl:
		tio.Cflag |= unix.CRTSCTS
		tio.Iflag &^= unix.IXON | unix.IXOFF | unix.IXANY
	default:
		return fmt.Errorf("%w: %d", base.ErrInvalidFlowControl, cfg.FlowControl)
	}

	if cfg.Raw {
		tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
			unix.INLCR | unix.IGNCR | unix.ICRNL
		tio.Oflag &^= unix.OPOST
		tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
		tio.Cc[unix.VMIN] = 1
		tio.Cc[unix.VTIME] = 0
	}

	if cfg.Local {
		tio.Cflag |= unix.CLOCAL
	} else {
		tio.Cflag &^= unix.CLOCAL
	}
	if cfg.HupCl {
		tio.Cflag |= unix.HUPCL
	} else {
		tio.Cflag &^= unix.HUPCL
	}
	tio.Cflag |= unix.CREAD
	return nil
}

func decodeConfig(tio *unix.Termios) (base.Config, error) {
	var cfg base.Config

	switch tio.Cflag & unix.CSIZE {
	case unix.CS5:
		cfg.DataBits = base.Serial5DataBits
	case unix.CS6:
		cfg.DataBits = base.Serial6DataBits
	case unix.CS7:
		cfg.DataBits = base.Serial7DataBits
	default:
		cfg.DataBits = base.Serial8DataBits
	}

	switch {
	case tio.Cflag&unix.PARENB == 0:
		cfg.Parity = base.SerialNoParity
	case tio.Cflag&unix.CMSPAR != 0 && tio.Cflag&unix.PARODD != 0:
		cfg.Parity = base.SerialMarkParity
	case tio.Cflag&unix.CMSPAR != 0:
		cfg.Parity = base.SerialSpaceParity
	case tio.Cflag&unix.PARODD != 0:
		cfg.Parity = base.SerialOddParity
	default:
		cfg.Parity = base.SerialEvenParity
	}

	if tio.Cflag&unix.CSTOPB != 0 {
		cfg.StopBits = base.SerialTwoStopBits
	} else {
		cfg.StopBits = base.SerialOneStopBit
	}

	switch {
	case tio.Cflag&unix.CRTSCTS != 0:
		cfg.FlowControl = base.SerialHWFlowControl
	case tio.Iflag&(unix.IXON|unix.IXOFF) != 0:
		cfg.FlowControl = base.SerialSWFlowControl
	default:
		cfg.FlowControl = base.SerialNoFlowControl
	}

	cfg.Raw = tio.Lflag&unix.ICANON == 0 && tio.Oflag&unix.OPOST == 0
	cfg.Local = tio.Cflag&unix.CLOCAL != 0
	cfg.HupCl = tio.Cflag&unix.HUPCL != 0

	code := tio.Cflag & unix.CBAUD
	if speed, ok := codeSpeed(code); ok {
		cfg.BaudRate = speed
		return cfg, nil
	}
	if speed, ok := customSpeed(tio); ok {
		cfg.BaudRate = speed
		return cfg, nil
	}
	return cfg, fmt.Errorf("%w: speed code %#o", base.ErrGetSpeed, code)
}

func decodeModem(mctl int) base.ModemBits {
	var bits base.ModemBits
	if mctl&unix.TIOCM_DTR != 0 {
		bits |= base.ModemDTR
	}
	if mctl&unix.TIOCM_DSR != 0 {
		bits |= base.ModemDSR
	}
	if mctl&unix.TIOCM_CAR != 0 {
		bits |= base.ModemDCD
	}
	if mctl&unix.TIOCM_RTS != 0 {
		bits |= base.ModemRTS
	}
	if mctl&unix.TIOCM_CTS != 0 {
		bits |= base.ModemCTS
	}
	if mctl&unix.TIOCM_RNG != 0 {
		bits |= base.ModemRI
	}
	return bits
}

func encodeModem(bits base.ModemBits) int {
	var mctl int
	if bits&base.ModemDTR != 0 {
		mctl |= unix.TIOCM_DTR
	}
	if bits&base.ModemDSR != 0 {
		mctl |= unix.TIOCM_DSR
	}
	if bits&base.ModemDCD != 0 {
		mctl |= unix.TIOCM_CAR
	}
	if bits&base.ModemRTS != 0 {
		mctl |= unix.TIOCM_RTS
	}
	if bits&base.ModemCTS != 0 {
		mctl |= unix.TIOCM_CTS
	}
	if bits&base.ModemRI != 0 {
		mctl |= unix.TIOCM_RNG
	}
	return mctl
}

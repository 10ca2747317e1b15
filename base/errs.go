package base

import "errors"

// Transport conditions.
var ErrNothingToRead = errors.New("nothing to read")
var ErrNotOpened = errors.New("connection is not open")
var ErrCommunicationTimeout = errors.New("communication timeout")
var ErrConnectionClosed = errors.New("connection closed by peer")

// Registry conditions.
var ErrTermNotFound = errors.New("terminal not registered")
var ErrTermExists = errors.New("terminal already registered")
var ErrTermFull = errors.New("terminal table full")
var ErrNotATerminal = errors.New("not a terminal device")

// Configuration validation.
var ErrInvalidBaud = errors.New("invalid baud rate")
var ErrInvalidParity = errors.New("invalid parity mode")
var ErrInvalidDataBits = errors.New("invalid data bits")
var ErrInvalidStopBits = errors.New("invalid stop bits")
var ErrInvalidFlowControl = errors.New("invalid flow control mode")

// Device operations; the OS error, when there is one, is wrapped alongside.
var ErrGetAttr = errors.New("cannot read terminal attributes")
var ErrSetAttr = errors.New("cannot set terminal attributes")
var ErrGetSpeed = errors.New("cannot decode device speed")
var ErrSetSpeed = errors.New("cannot set device speed")
var ErrFlush = errors.New("cannot flush terminal queues")
var ErrDrain = errors.New("cannot drain terminal output")
var ErrBreak = errors.New("cannot send break")
var ErrModemGet = errors.New("cannot read modem line status")
var ErrModemSet = errors.New("cannot set modem lines")
var ErrModemUnavail = errors.New("modem line status not available")
var ErrCustomBaudUnsupported = errors.New("custom baud rates not supported on this platform")

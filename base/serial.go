package base

type SerialDataBits int
type SerialParity int
type SerialStopBits int
type SerialFlowControl int

// The enumeration values double as the RFC2217 wire encodings, so the
// telnet backend never needs a translation table.
const (
	Serial5DataBits          SerialDataBits    = 5
	Serial6DataBits          SerialDataBits    = 6
	Serial7DataBits          SerialDataBits    = 7
	Serial8DataBits          SerialDataBits    = 8
	SerialNoParity           SerialParity      = 1
	SerialOddParity          SerialParity      = 2
	SerialEvenParity         SerialParity      = 3
	SerialMarkParity         SerialParity      = 4
	SerialSpaceParity        SerialParity      = 5
	SerialOneStopBit         SerialStopBits    = 1
	SerialTwoStopBits        SerialStopBits    = 2
	SerialOneAndHalfStopBits SerialStopBits    = 3
	SerialNoFlowControl      SerialFlowControl = 1
	SerialSWFlowControl      SerialFlowControl = 2
	SerialHWFlowControl      SerialFlowControl = 3
)

// ModemBits is the modem control line status word.
type ModemBits int

const (
	ModemUnavail ModemBits = 1 << 0 // line status not available on this backend
	ModemDTR     ModemBits = 1 << 1 // out: data terminal ready
	ModemDSR     ModemBits = 1 << 2 // in: data set ready
	ModemDCD     ModemBits = 1 << 3 // in: data carrier detect
	ModemRTS     ModemBits = 1 << 4 // out: request to send
	ModemCTS     ModemBits = 1 << 5 // in: clear to send
	ModemRI      ModemBits = 1 << 6 // in: ring indicator
)

// Config is the abstract terminal configuration every backend round-trips.
// BaudRate is a plain integer bps; it is not limited to the standard table
// as long as the backend can express it.
type Config struct {
	BaudRate    int
	DataBits    SerialDataBits
	Parity      SerialParity
	StopBits    SerialStopBits
	FlowControl SerialFlowControl
	Raw         bool // no line discipline, one byte at a time
	Local       bool // ignore modem control lines (CLOCAL)
	HupCl       bool // hang up (drop DTR) on close
}

// ValidDataBits reports whether b is an acceptable word size.
func ValidDataBits(b SerialDataBits) bool {
	return b >= Serial5DataBits && b <= Serial8DataBits
}

// ValidParity reports whether p is an acceptable parity mode.
func ValidParity(p SerialParity) bool {
	return p >= SerialNoParity && p <= SerialSpaceParity
}

// ValidStopBits reports whether s is an acceptable stop bit count.
func ValidStopBits(s SerialStopBits) bool {
	return s >= SerialOneStopBit && s <= SerialOneAndHalfStopBits
}

// ValidFlowControl reports whether f is an acceptable flow control mode.
func ValidFlowControl(f SerialFlowControl) bool {
	return f >= SerialNoFlowControl && f <= SerialHWFlowControl
}

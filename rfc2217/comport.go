package rfc2217

// RFC2217 COM-PORT-OPTION subnegotiation commands, client direction. The
// server answers with the same codes offset by comServerBase.
const (
	comSignature         = 0  // <text>, empty text asks for the peer's
	comSetBaudrate       = 1  // <value(4)>, big endian bps, 0 queries
	comSetDatasize       = 2  // <value>, 0 queries
	comSetParity         = 3  // <value>, 0 queries
	comSetStopsize       = 4  // <value>, 0 queries
	comSetControl        = 5  // <value>, see control sub-codes
	comNotifyLinestate   = 6  // <value>
	comNotifyModemstate  = 7  // <value>
	comFlowSuspend       = 8
	comFlowResume        = 9
	comSetLinestateMask  = 10 // <value>
	comSetModemstateMask = 11 // <value>
	comPurgeData         = 12 // <value>

	comServerBase = 100
)

// SET-CONTROL sub-codes. Each settable group carries a request sentinel
// that asks for the current value instead of changing it.
const (
	controlFCRequest    = 0
	controlFCNone       = 1
	controlFCXonXoff    = 2
	controlFCHardware   = 3
	controlBreakRequest = 4
	controlBreakOn      = 5
	controlBreakOff     = 6
	controlDTRRequest   = 7
	controlDTROn        = 8
	controlDTROff       = 9
	controlRTSRequest   = 10
	controlRTSOn        = 11
	controlRTSOff       = 12
	controlFCDCD        = 17
	controlFCDSR        = 19
)

// NOTIFY-MODEMSTATE bitmask.
const (
	modemstateCD  = 128
	modemstateRI  = 64
	modemstateDSR = 32
	modemstateCTS = 16
)

// PURGE-DATA selectors.
const (
	purgeRX   = 1
	purgeTX   = 2
	purgeRXTX = 3
)

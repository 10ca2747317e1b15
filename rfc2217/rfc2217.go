// Package rfc2217 provides a terminal backend tunneled over a TELNET
// connection with the COM-PORT (RFC2217) option, so a remote serial port
// can be managed exactly like a local one.
//
// Because there is no device to query, the backend keeps a predicted copy
// of the remote port configuration and modem lines, updated from the
// server's COM-PORT replies and notifications. Configuration requests made
// before the option is negotiated are deferred and replayed the moment it
// becomes usable.
package rfc2217

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/serline/libterm-go/base"
	"github.com/serline/libterm-go/telnet"
)

const (
	// Signature is the text offered in COM-PORT SIGNATURE exchanges.
	Signature = "libterm-go"

	// DefaultWaitTimeout bounds the negotiation-driving waits layered
	// inside Write and WaitConfigured.
	DefaultWaitTimeout = 5 * time.Second

	writeChunk = 2048
	waitPoll   = 200 * time.Millisecond
)

// Term is the remote terminal backend. On top of the common backend
// operations it exposes the explicit negotiation-driving calls, so an
// event loop can run them cooperatively instead of having them hidden
// inside reads and writes.
type Term interface {
	base.TermBackend

	SetLogger(logger *zap.SugaredLogger)
	SetWaitTimeout(d time.Duration)
	// WaitNegotiated pumps the connection until BINARY, SGA and COM-PORT
	// negotiations have all settled (either way), or the timeout elapses.
	WaitNegotiated(timeout time.Duration) error
	// WaitConfigured additionally waits for the initial COM-PORT
	// configuration exchange to finish, when the option was agreed on.
	WaitConfigured(timeout time.Duration) error
	// CanComPort reports whether the COM-PORT option is enabled on both
	// sides. When it is not, configuration stays predicted-only and the
	// session degrades to a plain TELNET byte pipe.
	CanComPort() bool
}

type remoteTerm struct {
	transport base.Stream
	neg       *telnet.Negotiator
	dec       telnet.Decoder
	isopen    bool

	predicted base.Config
	modem     base.ModemBits

	canComport  bool
	confPending int  // outstanding COM-PORT configuration replies
	confDone    bool // initial configuration exchange finished

	deferredConfig *base.Config // SetConfig before COM-PORT was usable
	deferredModem  bool         // ModemBis/Bic before COM-PORT was usable

	waitTimeout time.Duration
	clk         clock.Clock

	writebuffer []byte
	readahead   []byte // user data collected while pumping negotiation
	rxbuf       []byte

	logger *zap.SugaredLogger
}

// New returns a terminal backend speaking TELNET with the COM-PORT option
// over the given transport. The transport is opened by Init.
func New(t base.Stream) Term {
	r := &remoteTerm{
		transport:   t,
		waitTimeout: DefaultWaitTimeout,
		clk:         clock.RealClock{},
		writebuffer: make([]byte, 0, 1024),
		rxbuf:       make([]byte, 2048),
	}
	r.neg = telnet.NewNegotiator(r.sendRaw)
	r.neg.AcceptLocal = acceptOption
	r.neg.AcceptRemote = acceptOption
	r.neg.OnChange = r.optionChanged
	r.dec.OnOption = r.neg.Receive
	r.dec.OnSubneg = r.recvSubneg
	r.dec.OnCommand = r.recvCommand
	return r
}

// Both ends are offered the same three options and nothing else.
func acceptOption(opt byte) bool {
	return opt == telnet.OptBinary || opt == telnet.OptSGA || opt == telnet.OptComPort
}

func (r *remoteTerm) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

// SetLogger implements Term.
func (r *remoteTerm) SetLogger(logger *zap.SugaredLogger) {
	r.logger = logger
	r.transport.SetLogger(logger)
}

// SetWaitTimeout implements Term.
func (r *remoteTerm) SetWaitTimeout(d time.Duration) {
	r.waitTimeout = d
}

// CanComPort implements Term.
func (r *remoteTerm) CanComPort() bool {
	return r.canComport
}

// Init implements base.TermBackend. It opens the transport and starts the
// negotiations for BINARY, SUPPRESS-GO-AHEAD and COM-PORT in both
// directions; it does not wait for the answers.
func (r *remoteTerm) Init() error {
	if r.isopen {
		return nil
	}
	if err := r.transport.Open(); err != nil {
		return err
	}

	// We do not know the remote geometry yet; assume a raw port at an
	// unknown rate until the server tells us better. DTR/RTS are normally
	// asserted after open.
	r.predicted = base.Config{
		DataBits:    base.Serial8DataBits,
		Parity:      base.SerialNoParity,
		StopBits:    base.SerialOneStopBit,
		FlowControl: base.SerialNoFlowControl,
		Raw:         true,
	}
	r.modem = base.ModemDTR | base.ModemRTS

	r.isopen = true
	r.logf("negotiating telnet options")
	for _, opt := range []byte{telnet.OptBinary, telnet.OptSGA, telnet.OptComPort} {
		if err := r.neg.AskLocal(opt, true); err != nil {
			return err
		}
		if err := r.neg.AskRemote(opt, true); err != nil {
			return err
		}
	}
	return nil
}

// Fini implements base.TermBackend.
func (r *remoteTerm) Fini() error {
	if !r.isopen {
		return nil
	}
	r.isopen = false
	return r.transport.Close()
}

func (r *remoteTerm) sendRaw(p []byte) error {
	return r.transport.Write(p)
}

// optionChanged watches for the first moment COM-PORT becomes enabled on
// both sides and triggers the configuration handshake exactly once.
func (r *remoteTerm) optionChanged(opt byte) {
	if opt != telnet.OptComPort || r.canComport {
		return
	}
	if r.neg.LocalEnabled(telnet.OptComPort) && r.neg.RemoteEnabled(telnet.OptComPort) {
		r.canComport = true
		r.comportStart()
	}
}

// sendComport emits {IAC SB COMPORT cmd data... IAC SE} with any IAC in
// the payload doubled.
func (r *remoteTerm) sendComport(cmd byte, data []byte) error {
	r.writebuffer = append(r.writebuffer[:0], telnet.IAC, telnet.SB, telnet.OptComPort, cmd)
	r.writebuffer = telnet.EscapeIAC(r.writebuffer, data)
	r.writebuffer = append(r.writebuffer, telnet.IAC, telnet.SE)
	return r.transport.Write(r.writebuffer)
}

// sendComport1 sends a COM-PORT command with a single-byte argument and
// counts the configuration reply the server owes us.
func (r *remoteTerm) sendComport1(cmd byte, val byte) error {
	if cmd >= comSetBaudrate && cmd <= comSetControl {
		r.confPending++
	}
	return r.sendComport(cmd, []byte{val})
}

// sendComport4 sends a COM-PORT command with a 4-byte big-endian argument.
func (r *remoteTerm) sendComport4(cmd byte, val uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], val)
	if cmd >= comSetBaudrate && cmd <= comSetControl {
		r.confPending++
	}
	return r.sendComport(cmd, buf[:])
}

// comportStart runs once, when COM-PORT first becomes usable: it exchanges
// signatures, subscribes to modem state updates, and either replays the
// deferred configuration or queries the server for its current one.
func (r *remoteTerm) comportStart() {
	_ = r.sendComport(comSignature, nil)
	_ = r.sendComport1(comSetLinestateMask, 0)
	_ = r.sendComport1(comSetModemstateMask, modemstateCD|modemstateRI|modemstateDSR|modemstateCTS)

	if r.deferredConfig != nil {
		cfg := r.deferredConfig
		r.deferredConfig = nil
		r.predicted = *cfg
		_ = r.sendConfig(cfg)
	} else {
		_ = r.sendComport4(comSetBaudrate, 0)
		_ = r.sendComport1(comSetDatasize, 0)
		_ = r.sendComport1(comSetParity, 0)
		_ = r.sendComport1(comSetStopsize, 0)
		_ = r.sendComport1(comSetControl, controlFCRequest)
	}

	if r.deferredModem {
		r.deferredModem = false
		_ = r.sendDTR(r.modem&base.ModemDTR != 0)
		_ = r.sendRTS(r.modem&base.ModemRTS != 0)
	} else {
		_ = r.sendComport1(comSetControl, controlDTRRequest)
		_ = r.sendComport1(comSetControl, controlRTSRequest)
	}

	_ = r.sendComport1(comSetControl, controlBreakRequest)
	r.checkConfDone()
}

// sendConfig translates a Config into the SET-* command volley.
func (r *remoteTerm) sendConfig(cfg *base.Config) error {
	if err := r.sendComport4(comSetBaudrate, uint32(cfg.BaudRate)); err != nil {
		return err
	}
	if err := r.sendComport1(comSetDatasize, byte(cfg.DataBits)); err != nil {
		return err
	}
	if err := r.sendComport1(comSetParity, byte(cfg.Parity)); err != nil {
		return err
	}
	if err := r.sendComport1(comSetStopsize, byte(cfg.StopBits)); err != nil {
		return err
	}
	var fc byte
	switch cfg.FlowControl {
	case base.SerialSWFlowControl:
		fc = controlFCXonXoff
	case base.SerialHWFlowControl:
		fc = controlFCHardware
	default:
		fc = controlFCNone
	}
	return r.sendComport1(comSetControl, fc)
}

func (r *remoteTerm) sendDTR(on bool) error {
	if on {
		return r.sendComport1(comSetControl, controlDTROn)
	}
	return r.sendComport1(comSetControl, controlDTROff)
}

func (r *remoteTerm) sendRTS(on bool) error {
	if on {
		return r.sendComport1(comSetControl, controlRTSOn)
	}
	return r.sendComport1(comSetControl, controlRTSOff)
}

func (r *remoteTerm) confReply() {
	if r.confPending > 0 {
		r.confPending--
	}
	r.checkConfDone()
}

func (r *remoteTerm) checkConfDone() {
	if !r.confDone && r.canComport && r.confPending == 0 {
		r.confDone = true
		r.logf("initial com port configuration complete: %d,%d%s%d",
			r.predicted.BaudRate, r.predicted.DataBits,
			parityLetter(r.predicted.Parity), r.predicted.StopBits)
	}
}

func parityLetter(p base.SerialParity) string {
	switch p {
	case base.SerialOddParity:
		return "o"
	case base.SerialEvenParity:
		return "e"
	case base.SerialMarkParity:
		return "m"
	case base.SerialSpaceParity:
		return "s"
	default:
		return "n"
	}
}

// recvSubneg handles a complete subnegotiation; payload is the option byte
// followed by its data, already unescaped.
func (r *remoteTerm) recvSubneg(payload []byte) error {
	if len(payload) < 2 || payload[0] != telnet.OptComPort {
		return nil // not ours, ignore
	}
	cmd, data := payload[1], payload[2:]
	if cmd < comServerBase {
		// client-direction command from the server; nothing we act on
		r.logf("ignoring client-direction com port command %d", cmd)
		return nil
	}
	cmd -= comServerBase

	switch cmd {
	case comSignature:
		if len(data) == 0 {
			return r.sendComport(comSignature, []byte(Signature))
		}
		r.logf("remote signature: %q", strings.Trim(string(data), "\x00 \r\n\t"))

	case comSetBaudrate:
		if len(data) < 4 {
			return fmt.Errorf("short SET-BAUDRATE reply")
		}
		r.predicted.BaudRate = int(binary.BigEndian.Uint32(data))
		r.logf("reported baudrate: %d", r.predicted.BaudRate)
		r.confReply()

	case comSetDatasize:
		if len(data) < 1 {
			return fmt.Errorf("short SET-DATASIZE reply")
		}
		if db := base.SerialDataBits(data[0]); base.ValidDataBits(db) {
			r.predicted.DataBits = db
		}
		r.confReply()

	case comSetParity:
		if len(data) < 1 {
			return fmt.Errorf("short SET-PARITY reply")
		}
		if p := base.SerialParity(data[0]); base.ValidParity(p) {
			r.predicted.Parity = p
		}
		r.confReply()

	case comSetStopsize:
		if len(data) < 1 {
			return fmt.Errorf("short SET-STOPSIZE reply")
		}
		if s := base.SerialStopBits(data[0]); base.ValidStopBits(s) {
			r.predicted.StopBits = s
		}
		r.confReply()

	case comSetControl:
		if len(data) < 1 {
			return fmt.Errorf("short SET-CONTROL reply")
		}
		r.recvControl(data[0])
		r.confReply()

	case comNotifyModemstate:
		if len(data) < 1 {
			return fmt.Errorf("short NOTIFY-MODEMSTATE")
		}
		var m base.ModemBits
		if data[0]&modemstateCD != 0 {
			m |= base.ModemDCD
		}
		if data[0]&modemstateRI != 0 {
			m |= base.ModemRI
		}
		if data[0]&modemstateDSR != 0 {
			m |= base.ModemDSR
		}
		if data[0]&modemstateCTS != 0 {
			m |= base.ModemCTS
		}
		r.modem &^= base.ModemDCD | base.ModemRI | base.ModemDSR | base.ModemCTS
		r.modem |= m
		r.logf("reported modem state: %02x", data[0])

	case comNotifyLinestate:
		if len(data) >= 1 {
			r.logf("reported line state: %02x", data[0])
		}

	case comFlowSuspend, comFlowResume:
		r.logf("flow control notification: %d", cmd)

	case comSetLinestateMask, comSetModemstateMask, comPurgeData:
		// acknowledgements, nothing to track
	}
	return nil
}

// recvControl folds one SET-CONTROL server value into the predicted state.
func (r *remoteTerm) recvControl(val byte) {
	switch val {
	case controlFCNone, controlFCXonXoff, controlFCHardware, controlFCDCD, controlFCDSR:
		switch val {
		case controlFCXonXoff:
			r.predicted.FlowControl = base.SerialSWFlowControl
		case controlFCHardware:
			r.predicted.FlowControl = base.SerialHWFlowControl
		default:
			r.predicted.FlowControl = base.SerialNoFlowControl
		}
	case controlDTROn:
		r.modem |= base.ModemDTR
	case controlDTROff:
		r.modem &^= base.ModemDTR
	case controlRTSOn:
		r.modem |= base.ModemRTS
	case controlRTSOff:
		r.modem &^= base.ModemRTS
	case controlBreakOn, controlBreakOff:
		r.logf("reported break state: %d", val)
	default:
		r.logf("unsupported control value %02x", val)
	}
}

func (r *remoteTerm) recvCommand(cmd byte) {
	switch cmd {
	case telnet.AYT:
		r.logf("remote AYT")
	case telnet.BRK:
		r.logf("remote BREAK")
	case telnet.IP:
		r.logf("remote INTERRUPT")
	}
}

func (r *remoteTerm) negotiated() bool {
	return r.neg.Settled(telnet.OptBinary) &&
		r.neg.Settled(telnet.OptSGA) &&
		r.neg.Settled(telnet.OptComPort)
}

func (r *remoteTerm) configured() bool {
	return r.negotiated() && (!r.canComport || r.confDone)
}

// waitFor pumps received bytes through the protocol decoder until cond
// holds or the timeout elapses. User data arriving meanwhile is kept aside
// and served by the next Read. The pumping uses its own bounded transport
// deadlines, so it cannot deadlock against the caller's event loop.
func (r *remoteTerm) waitFor(timeout time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}
	if !r.isopen {
		return base.ErrNotOpened
	}
	deadline := r.clk.Now().Add(timeout)
	for {
		if !r.clk.Now().Before(deadline) {
			return base.ErrCommunicationTimeout
		}
		r.transport.SetDeadline(r.clk.Now().Add(waitPoll))
		n, err := r.transport.Read(r.rxbuf)
		r.transport.SetDeadline(time.Time{})
		if n > 0 {
			out, derr := r.dec.Decode(r.rxbuf[:n])
			if len(out) > 0 {
				r.readahead = append(r.readahead, out...)
			}
			if derr != nil {
				return derr
			}
			if cond() {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return err
		}
		if cond() {
			return nil
		}
	}
}

// WaitNegotiated implements Term.
func (r *remoteTerm) WaitNegotiated(timeout time.Duration) error {
	return r.waitFor(timeout, r.negotiated)
}

// WaitConfigured implements Term.
func (r *remoteTerm) WaitConfigured(timeout time.Duration) error {
	return r.waitFor(timeout, r.configured)
}

// GetConfig implements base.TermBackend. It reports the predicted remote
// configuration; there is no live device to ask.
func (r *remoteTerm) GetConfig() (base.Config, error) {
	if !r.isopen {
		return base.Config{}, base.ErrNotOpened
	}
	return r.predicted, nil
}

// SetConfig implements base.TermBackend. Before COM-PORT is usable the
// request is only recorded and will be replayed when (and if) the option
// is agreed; afterwards it is translated into SET-* messages immediately.
func (r *remoteTerm) SetConfig(cfg *base.Config, now bool) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	if cfg.BaudRate < 0 {
		return fmt.Errorf("%w: %d", base.ErrInvalidBaud, cfg.BaudRate)
	}
	if !base.ValidDataBits(cfg.DataBits) {
		return fmt.Errorf("%w: %d", base.ErrInvalidDataBits, cfg.DataBits)
	}
	if !base.ValidParity(cfg.Parity) {
		return fmt.Errorf("%w: %d", base.ErrInvalidParity, cfg.Parity)
	}
	if !base.ValidStopBits(cfg.StopBits) {
		return fmt.Errorf("%w: %d", base.ErrInvalidStopBits, cfg.StopBits)
	}
	if !base.ValidFlowControl(cfg.FlowControl) {
		return fmt.Errorf("%w: %d", base.ErrInvalidFlowControl, cfg.FlowControl)
	}

	if !r.canComport {
		c := *cfg
		r.deferredConfig = &c
		r.predicted = c
		return nil
	}
	r.predicted = *cfg
	return r.sendConfig(cfg)
}

// ModemGet implements base.TermBackend; the answer is the predicted line
// state maintained from server notifications.
func (r *remoteTerm) ModemGet() (base.ModemBits, error) {
	if !r.isopen {
		return 0, base.ErrNotOpened
	}
	return r.modem, nil
}

// ModemBis implements base.TermBackend.
func (r *remoteTerm) ModemBis(bits base.ModemBits) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	r.modem |= bits
	if !r.canComport {
		if bits&(base.ModemDTR|base.ModemRTS) != 0 {
			r.deferredModem = true
		}
		return nil
	}
	if bits&base.ModemDTR != 0 {
		if err := r.sendDTR(true); err != nil {
			return err
		}
	}
	if bits&base.ModemRTS != 0 {
		if err := r.sendRTS(true); err != nil {
			return err
		}
	}
	return nil
}

// ModemBic implements base.TermBackend.
func (r *remoteTerm) ModemBic(bits base.ModemBits) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	r.modem &^= bits
	if !r.canComport {
		if bits&(base.ModemDTR|base.ModemRTS) != 0 {
			r.deferredModem = true
		}
		return nil
	}
	if bits&base.ModemDTR != 0 {
		if err := r.sendDTR(false); err != nil {
			return err
		}
	}
	if bits&base.ModemRTS != 0 {
		if err := r.sendRTS(false); err != nil {
			return err
		}
	}
	return nil
}

// SendBreak implements base.TermBackend: break on, 250 ms, break off.
func (r *remoteTerm) SendBreak() error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	if err := r.sendComport1(comSetControl, controlBreakOn); err != nil {
		return err
	}
	r.clk.Sleep(250 * time.Millisecond)
	return r.sendComport1(comSetControl, controlBreakOff)
}

// Flush implements base.TermBackend by asking the server to purge its
// buffers; there are no local queues to discard.
func (r *remoteTerm) Flush(sel base.FlushSelector) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	var val byte
	switch sel {
	case base.FlushInput:
		val = purgeRX
	case base.FlushOutput:
		val = purgeTX
	default:
		val = purgeRXTX
	}
	return r.sendComport(comPurgeData, []byte{val})
}

// Drain implements base.TermBackend. The socket gives no transmit-queue
// visibility, so this reports success the way the original protocol
// clients do.
func (r *remoteTerm) Drain() error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	return nil
}

// Read implements base.TermBackend. In-band commands found in the stream
// are consumed and acted upon; when a read produced nothing but commands
// the result is base.ErrNothingToRead, never a false end of stream. Reads
// are gated only by socket availability, not by configuration state.
func (r *remoteTerm) Read(p []byte) (int, error) {
	if !r.isopen {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}
	if len(r.readahead) > 0 {
		n := copy(p, r.readahead)
		r.readahead = r.readahead[:copy(r.readahead, r.readahead[n:])]
		return n, nil
	}

	n, err := r.transport.Read(r.rxbuf)
	if n > 0 {
		out, derr := r.dec.Decode(r.rxbuf[:n])
		if derr != nil {
			return 0, derr
		}
		if len(out) == 0 && err == nil {
			return 0, base.ErrNothingToRead
		}
		nn := copy(p, out)
		if nn < len(out) {
			r.readahead = append(r.readahead, out[nn:]...)
		}
		return nn, err
	}
	return 0, err
}

// Write implements base.TermBackend. It first drives the option
// negotiation to a settled state, so data cannot race ahead of the
// configuration handshake; if the peer never answers within the wait
// timeout the write fails with base.ErrCommunicationTimeout. The payload
// is IAC-escaped and chunked.
func (r *remoteTerm) Write(src []byte) error {
	if !r.isopen {
		return base.ErrNotOpened
	}
	if len(src) == 0 {
		return nil
	}
	if err := r.waitFor(r.waitTimeout, r.negotiated); err != nil {
		return err
	}

	for len(src) > 0 {
		n := len(src)
		if n > writeChunk {
			n = writeChunk
		}
		r.writebuffer = telnet.EscapeIAC(r.writebuffer[:0], src[:n])
		if err := r.transport.Write(r.writebuffer); err != nil {
			return err
		}
		src = src[n:]
	}
	return nil
}

// Package telnet implements the pieces of the TELNET protocol a remote
// serial session needs: option negotiation per RFC 1143 (the Q method) and
// the IAC in-band command codec.
package telnet

// Protocol bytes.
const (
	IAC  = 255 // interpret as command; doubled when literal in data
	DONT = 254
	DO   = 253
	WONT = 252
	WILL = 251
	SB   = 250 // subnegotiation begin
	GA   = 249
	AYT  = 246 // are you there
	IP   = 244 // interrupt process
	BRK  = 243
	NOP  = 241
	SE   = 240 // subnegotiation end
)

// Option codes this library cares about.
const (
	OptBinary  = 0
	OptSGA     = 3  // suppress go-ahead
	OptComPort = 44 // RFC2217 COM-PORT-OPTION
)

// qState is one side of an option's negotiation state. An option is
// settled in qNo or qYes; the WANT states mean exactly one negotiation
// message of ours is outstanding.
type qState byte

const (
	qNo qState = iota
	qYes
	qWantYes // we sent WILL or DO
	qWantNo  // we sent WONT or DONT
)

// qOption tracks one TELNET option. us/him are independent; the queue bits
// hold at most one deferred reversal each, applied when the outstanding
// negotiation resolves (RFC 1143).
type qOption struct {
	us, him   qState
	usq, himq bool
}

// Negotiator drives and answers TELNET option negotiation for one
// connection. It is not safe for concurrent use; drive it from the single
// thread of control that owns the connection.
//
// AcceptLocal and AcceptRemote decide whether a peer-proposed option is
// agreed to; unset hooks refuse everything. OnChange fires after every
// state-affecting event for an option, settled or not, so a caller can
// watch for the moment an option becomes enabled on both sides.
type Negotiator struct {
	opts [256]qOption
	send func(p []byte) error

	AcceptLocal  func(opt byte) bool
	AcceptRemote func(opt byte) bool
	OnChange     func(opt byte)
}

// NewNegotiator returns a negotiator that emits its negotiation bytes
// through send. All options start out disabled on both sides.
func NewNegotiator(send func(p []byte) error) *Negotiator {
	return &Negotiator{send: send}
}

// LocalEnabled reports whether opt is agreed enabled on our side.
func (n *Negotiator) LocalEnabled(opt byte) bool { return n.opts[opt].us == qYes }

// RemoteEnabled reports whether opt is agreed enabled on the peer side.
func (n *Negotiator) RemoteEnabled(opt byte) bool { return n.opts[opt].him == qYes }

// Settled reports whether neither side of opt has a negotiation in flight.
func (n *Negotiator) Settled(opt byte) bool {
	q := &n.opts[opt]
	return (q.us == qNo || q.us == qYes) && (q.him == qNo || q.him == qYes)
}

func (n *Negotiator) changed(opt byte) {
	if n.OnChange != nil {
		n.OnChange(opt)
	}
}

func (n *Negotiator) acceptLocal(opt byte) bool {
	return n.AcceptLocal != nil && n.AcceptLocal(opt)
}

func (n *Negotiator) acceptRemote(opt byte) bool {
	return n.AcceptRemote != nil && n.AcceptRemote(opt)
}

// AskRemote drives the peer side of opt towards enabled (DO) or disabled
// (DONT). If a negotiation is already in flight only the reversal queue is
// touched, so asking twice never sends twice.
func (n *Negotiator) AskRemote(opt byte, want bool) error {
	q := &n.opts[opt]
	switch q.him {
	case qNo, qYes:
		if (q.him == qYes) == want {
			break // settled where we want it
		}
		verb, next := byte(DONT), qWantNo
		if want {
			verb, next = DO, qWantYes
		}
		if err := n.send([]byte{IAC, verb, opt}); err != nil {
			return err
		}
		q.him = next
	case qWantNo:
		q.himq = want
	case qWantYes:
		q.himq = !want
	}
	n.changed(opt)
	return nil
}

// AskLocal drives our side of opt towards enabled (WILL) or disabled
// (WONT), with the same single-outstanding-message guarantee as AskRemote.
func (n *Negotiator) AskLocal(opt byte, want bool) error {
	q := &n.opts[opt]
	switch q.us {
	case qNo, qYes:
		if (q.us == qYes) == want {
			break
		}
		verb, next := byte(WONT), qWantNo
		if want {
			verb, next = WILL, qWantYes
		}
		if err := n.send([]byte{IAC, verb, opt}); err != nil {
			return err
		}
		q.us = next
	case qWantNo:
		q.usq = want
	case qWantYes:
		q.usq = !want
	}
	n.changed(opt)
	return nil
}

// Receive feeds one peer negotiation message (verb is WILL, WONT, DO or
// DONT) through the RFC 1143 transition table. At most one reply message
// is emitted; duplicate peer messages cause no reply at all, which is what
// keeps the exchange loop-free.
func (n *Negotiator) Receive(verb, opt byte) error {
	q := &n.opts[opt]
	var respond byte

	switch verb {
	case WILL:
		switch q.him {
		case qNo:
			if n.acceptRemote(opt) {
				q.him = qYes
				respond = DO
			} else {
				respond = DONT
			}
		case qWantNo:
			if q.himq {
				q.him = qYes
			} else {
				q.him = qNo
			}
			q.himq = false
		case qWantYes:
			if q.himq {
				q.him = qWantNo
				q.himq = false
				respond = DONT
			} else {
				q.him = qYes
			}
		}
	case WONT:
		switch q.him {
		case qYes:
			q.him = qNo
			respond = DONT
		case qWantNo:
			if q.himq {
				q.him = qWantYes
				q.himq = false
				respond = DO
			} else {
				q.him = qNo
			}
		case qWantYes:
			q.him = qNo
			q.himq = false
		}
	case DO:
		switch q.us {
		case qNo:
			if n.acceptLocal(opt) {
				q.us = qYes
				respond = WILL
			} else {
				respond = WONT
			}
		case qWantNo:
			if q.usq {
				q.us = qYes
			} else {
				q.us = qNo
			}
			q.usq = false
		case qWantYes:
			if q.usq {
				q.us = qWantNo
				q.usq = false
				respond = WONT
			} else {
				q.us = qYes
			}
		}
	case DONT:
		switch q.us {
		case qYes:
			q.us = qNo
			respond = WONT
		case qWantNo:
			if q.usq {
				q.us = qWantYes
				q.usq = false
				respond = WILL
			} else {
				q.us = qNo
			}
		case qWantYes:
			q.us = qNo
			q.usq = false
		}
	default:
		return nil
	}

	if respond != 0 {
		if err := n.send([]byte{IAC, respond, opt}); err != nil {
			return err
		}
	}
	n.changed(opt)
	return nil
}

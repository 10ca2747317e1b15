package telnet

import "bytes"

// maxCommand bounds the in-band command accumulator; an overlong command
// is abandoned rather than allowed to swallow the stream. Large enough for
// any COM-PORT subnegotiation including a signature text.
const maxCommand = 275

// EscapeIAC appends src to dst with every literal IAC byte doubled, which
// is the only escaping the protocol has.
func EscapeIAC(dst, src []byte) []byte {
	for {
		i := bytes.IndexByte(src, IAC)
		if i < 0 {
			return append(dst, src...)
		}
		dst = append(dst, src[:i+1]...)
		dst = append(dst, IAC)
		src = src[i+1:]
	}
}

// Decoder extracts in-band TELNET commands from a received byte stream,
// collapsing doubled IACs back into data bytes. The accumulator persists
// across calls, so a command split between two reads is reassembled
// correctly.
type Decoder struct {
	cmdbuf []byte
	cmdiac bool // last accumulated subnegotiation byte was an unconsumed IAC

	// OnOption receives each complete WILL/WONT/DO/DONT.
	OnOption func(verb, opt byte) error
	// OnSubneg receives each complete subnegotiation payload: the option
	// byte followed by its data, with IAC escaping already undone.
	OnSubneg func(payload []byte) error
	// OnCommand receives bare two-byte commands (AYT, BRK, IP, NOP, ...).
	OnCommand func(cmd byte)
}

// Decode filters commands out of in and returns the remaining user data.
// The returned slice reuses in's backing array. An empty result is normal
// when the read contained only protocol traffic; it is the caller's job to
// report that as a no-data-yet condition rather than an end of stream.
func (d *Decoder) Decode(in []byte) ([]byte, error) {
	out := in[:0]
	for len(in) > 0 {
		for len(d.cmdbuf) > 0 && len(in) > 0 {
			if len(d.cmdbuf) >= maxCommand {
				d.cmdbuf = d.cmdbuf[:0]
				d.cmdiac = false
				break
			}
			d.cmdbuf = append(d.cmdbuf, in[0])
			in = in[1:]
			if len(d.cmdbuf) == 2 && d.cmdbuf[1] == IAC {
				// IAC IAC in the plain data stream
				out = append(out, IAC)
				d.cmdbuf = d.cmdbuf[:0]
			} else if err := d.step(); err != nil {
				return out, err
			}
		}
		if len(in) == 0 {
			break
		}
		i := bytes.IndexByte(in, IAC)
		if i < 0 {
			out = append(out, in...)
			break
		}
		out = append(out, in[:i]...)
		d.cmdbuf = append(d.cmdbuf, IAC)
		in = in[i+1:]
	}
	return out, nil
}

// step examines the accumulator after each appended byte and dispatches
// the command once it is complete. Incomplete commands simply stay in the
// buffer until more bytes arrive.
func (d *Decoder) step() error {
	cmd := d.cmdbuf
	var err error

	switch cmd[1] {
	case WILL, WONT, DO, DONT:
		if len(cmd) < 3 {
			return nil
		}
		if d.OnOption != nil {
			err = d.OnOption(cmd[1], cmd[2])
		}
	case SB:
		if len(cmd) < 3 {
			d.cmdiac = false
			return nil
		}
		if !d.cmdiac {
			if cmd[len(cmd)-1] == IAC {
				// could be an escape or the closing IAC SE; hold it back
				d.cmdiac = true
				d.cmdbuf = cmd[:len(cmd)-1]
			}
			return nil
		}
		d.cmdiac = false
		if cmd[len(cmd)-1] == IAC {
			// doubled IAC: keep a single one as payload, keep going
			return nil
		}
		if cmd[len(cmd)-1] != SE {
			// malformed subnegotiation, drop it
			break
		}
		if len(cmd) >= 4 && d.OnSubneg != nil {
			err = d.OnSubneg(cmd[2 : len(cmd)-1])
		}
	default:
		if d.OnCommand != nil {
			d.OnCommand(cmd[1])
		}
	}

	d.cmdbuf = d.cmdbuf[:0]
	d.cmdiac = false
	return err
}

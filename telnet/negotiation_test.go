package telnet

import (
	"bytes"
	"testing"
)

type sendLog struct {
	msgs [][]byte
}

func (s *sendLog) send(p []byte) error {
	s.msgs = append(s.msgs, append([]byte(nil), p...))
	return nil
}

func acceptAll(byte) bool { return true }

func newPair() (*Negotiator, *sendLog) {
	log := &sendLog{}
	n := NewNegotiator(log.send)
	n.AcceptLocal = acceptAll
	n.AcceptRemote = acceptAll
	return n, log
}

func expectMsgs(t *testing.T, log *sendLog, want ...[]byte) {
	t.Helper()
	if len(log.msgs) != len(want) {
		t.Fatalf("sent %d messages, want %d: %v", len(log.msgs), len(want), log.msgs)
	}
	for i := range want {
		if !bytes.Equal(log.msgs[i], want[i]) {
			t.Fatalf("message %d = %v, want %v", i, log.msgs[i], want[i])
		}
	}
}

func TestAskRemoteSendsOnce(t *testing.T) {
	n, log := newPair()

	if err := n.AskRemote(OptComPort, true); err != nil {
		t.Fatal(err)
	}
	if err := n.AskRemote(OptComPort, true); err != nil {
		t.Fatal(err)
	}
	expectMsgs(t, log, []byte{IAC, DO, OptComPort})
	if n.Settled(OptComPort) {
		t.Fatal("option settled with negotiation in flight")
	}

	if err := n.Receive(WILL, OptComPort); err != nil {
		t.Fatal(err)
	}
	expectMsgs(t, log, []byte{IAC, DO, OptComPort})
	if !n.RemoteEnabled(OptComPort) {
		t.Fatal("remote side not enabled after WILL")
	}
	if !n.Settled(OptComPort) {
		t.Fatal("option not settled after WILL")
	}

	// asking again once settled is a no-op
	if err := n.AskRemote(OptComPort, true); err != nil {
		t.Fatal(err)
	}
	expectMsgs(t, log, []byte{IAC, DO, OptComPort})
}

func TestAskLocalHandshake(t *testing.T) {
	n, log := newPair()

	if err := n.AskLocal(OptBinary, true); err != nil {
		t.Fatal(err)
	}
	if err := n.Receive(DO, OptBinary); err != nil {
		t.Fatal(err)
	}
	expectMsgs(t, log, []byte{IAC, WILL, OptBinary})
	if !n.LocalEnabled(OptBinary) {
		t.Fatal("local side not enabled after DO")
	}

	// a duplicate DO for an already enabled option draws no reply
	if err := n.Receive(DO, OptBinary); err != nil {
		t.Fatal(err)
	}
	expectMsgs(t, log, []byte{IAC, WILL, OptBinary})
}

func TestPeerInitiated(t *testing.T) {
	n, log := newPair()

	if err := n.Receive(WILL, OptSGA); err != nil {
		t.Fatal(err)
	}
	expectMsgs(t, log, []byte{IAC, DO, OptSGA})
	if !n.RemoteEnabled(OptSGA) || !n.Settled(OptSGA) {
		t.Fatal("peer-initiated enable not settled")
	}
}

func TestRefusedOption(t *testing.T) {
	log := &sendLog{}
	n := NewNegotiator(log.send) // no accept hooks, refuse everything

	if err := n.Receive(DO, OptComPort); err != nil {
		t.Fatal(err)
	}
	if err := n.Receive(WILL, OptComPort); err != nil {
		t.Fatal(err)
	}
	expectMsgs(t, log,
		[]byte{IAC, WONT, OptComPort},
		[]byte{IAC, DONT, OptComPort})
	if n.LocalEnabled(OptComPort) || n.RemoteEnabled(OptComPort) {
		t.Fatal("refused option reported enabled")
	}
	if !n.Settled(OptComPort) {
		t.Fatal("refused option not settled")
	}
}

func TestPeerRefusal(t *testing.T) {
	n, log := newPair()

	if err := n.AskRemote(OptComPort, true); err != nil {
		t.Fatal(err)
	}
	if err := n.Receive(WONT, OptComPort); err != nil {
		t.Fatal(err)
	}
	expectMsgs(t, log, []byte{IAC, DO, OptComPort})
	if n.RemoteEnabled(OptComPort) {
		t.Fatal("refused option reported enabled")
	}
	if !n.Settled(OptComPort) {
		t.Fatal("refusal did not settle the option")
	}
}

func TestReversalQueue(t *testing.T) {
	n, log := newPair()

	// enable in flight, then change our mind before the answer arrives
	if err := n.AskRemote(OptComPort, true); err != nil {
		t.Fatal(err)
	}
	if err := n.AskRemote(OptComPort, false); err != nil {
		t.Fatal(err)
	}
	expectMsgs(t, log, []byte{IAC, DO, OptComPort})

	// the agreement triggers the queued reversal, exactly one message
	if err := n.Receive(WILL, OptComPort); err != nil {
		t.Fatal(err)
	}
	expectMsgs(t, log,
		[]byte{IAC, DO, OptComPort},
		[]byte{IAC, DONT, OptComPort})
	if n.RemoteEnabled(OptComPort) {
		t.Fatal("queued disable not in flight")
	}

	if err := n.Receive(WONT, OptComPort); err != nil {
		t.Fatal(err)
	}
	if !n.Settled(OptComPort) || n.RemoteEnabled(OptComPort) {
		t.Fatal("reversal did not settle disabled")
	}
}

func TestOnChangeFires(t *testing.T) {
	n, _ := newPair()
	var events []byte
	n.OnChange = func(opt byte) { events = append(events, opt) }

	if err := n.AskLocal(OptBinary, true); err != nil {
		t.Fatal(err)
	}
	if err := n.Receive(DO, OptBinary); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("OnChange fired %d times, want 2", len(events))
	}
}

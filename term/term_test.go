package term

import (
	"errors"
	"fmt"
	"testing"
	"time"

	clktesting "k8s.io/utils/clock/testing"

	"github.com/serline/libterm-go/base"
)

// fakeBackend simulates a device that accepts every configuration as-is.
type fakeBackend struct {
	inited  bool
	finied  bool
	device  base.Config
	modem   base.ModemBits
	applied []base.Config
	drained int
	breaks  int
	flushed []base.FlushSelector
	tx      []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		device: base.Config{
			BaudRate:    9600,
			DataBits:    base.Serial8DataBits,
			Parity:      base.SerialNoParity,
			StopBits:    base.SerialOneStopBit,
			FlowControl: base.SerialNoFlowControl,
		},
		modem: base.ModemDTR | base.ModemRTS,
	}
}

func (f *fakeBackend) Init() error { f.inited = true; return nil }

func (f *fakeBackend) Fini() error { f.finied = true; return nil }

func (f *fakeBackend) GetConfig() (base.Config, error) { return f.device, nil }

func (f *fakeBackend) SetConfig(cfg *base.Config, now bool) error {
	f.device = *cfg
	f.applied = append(f.applied, *cfg)
	return nil
}

func (f *fakeBackend) ModemGet() (base.ModemBits, error) { return f.modem, nil }

func (f *fakeBackend) ModemBis(bits base.ModemBits) error {
	f.modem |= bits
	return nil
}

func (f *fakeBackend) ModemBic(bits base.ModemBits) error {
	f.modem &^= bits
	return nil
}

func (f *fakeBackend) SendBreak() error { f.breaks++; return nil }

func (f *fakeBackend) Flush(sel base.FlushSelector) error {
	f.flushed = append(f.flushed, sel)
	return nil
}

func (f *fakeBackend) Drain() error { f.drained++; return nil }

func (f *fakeBackend) Read(p []byte) (int, error) { return 0, base.ErrNothingToRead }

func (f *fakeBackend) Write(src []byte) error {
	f.tx = append(f.tx, src...)
	return nil
}

func TestRegisterLookupRemove(t *testing.T) {
	r := NewRegistry()
	b := newFakeBackend()

	tm, err := r.Register("tty0", b)
	if err != nil {
		t.Fatal(err)
	}
	if !b.inited {
		t.Fatal("backend not initialized")
	}
	if tm.Original().BaudRate != 9600 {
		t.Fatalf("original snapshot %+v", tm.Original())
	}

	if _, err = r.Register("tty0", newFakeBackend()); !errors.Is(err, base.ErrTermExists) {
		t.Fatalf("duplicate register: %v", err)
	}

	got, err := r.Lookup("tty0")
	if err != nil || got != tm {
		t.Fatalf("lookup: %v %v", got, err)
	}

	// change the device, then make sure removal restores the snapshot
	if err = tm.SetBaudrate(115200); err != nil {
		t.Fatal(err)
	}
	if err = tm.Apply(false); err != nil {
		t.Fatal(err)
	}
	if err = r.Remove("tty0"); err != nil {
		t.Fatal(err)
	}
	if b.device.BaudRate != 9600 {
		t.Fatalf("device left at %d bps", b.device.BaudRate)
	}
	if !b.finied {
		t.Fatal("backend not shut down")
	}
	if _, err = r.Lookup("tty0"); !errors.Is(err, base.ErrTermNotFound) {
		t.Fatalf("lookup after remove: %v", err)
	}
}

func TestRegistryFull(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < MaxTerms; i++ {
		if _, err := r.Register(fmt.Sprintf("tty%d", i), newFakeBackend()); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Register("overflow", newFakeBackend()); !errors.Is(err, base.ErrTermFull) {
		t.Fatalf("register past the limit: %v", err)
	}
	if r.Len() != MaxTerms {
		t.Fatalf("registry holds %d terminals", r.Len())
	}
}

func TestApplyRoundTrip(t *testing.T) {
	r := NewRegistry()
	b := newFakeBackend()
	tm, err := r.Register("tty0", b)
	if err != nil {
		t.Fatal(err)
	}

	if err = tm.SetBaudrate(115200); err != nil {
		t.Fatal(err)
	}
	// nothing reaches the device before Apply
	if b.device.BaudRate != 9600 || tm.Config().BaudRate != 9600 {
		t.Fatal("pending change leaked to the device")
	}
	if tm.Pending().BaudRate != 115200 {
		t.Fatalf("pending %+v", tm.Pending())
	}

	if err = tm.Apply(false); err != nil {
		t.Fatal(err)
	}
	if b.device.BaudRate != 115200 {
		t.Fatalf("device at %d bps", b.device.BaudRate)
	}
	if tm.Config().BaudRate != 115200 || tm.Pending().BaudRate != 115200 {
		t.Fatalf("snapshots %+v / %+v", tm.Config(), tm.Pending())
	}
	if tm.Original().BaudRate != 9600 {
		t.Fatalf("original snapshot drifted: %+v", tm.Original())
	}
}

func TestRevertAndReset(t *testing.T) {
	r := NewRegistry()
	b := newFakeBackend()
	tm, _ := r.Register("tty0", b)

	if err := tm.SetParity(base.SerialEvenParity); err != nil {
		t.Fatal(err)
	}
	tm.Revert()
	if tm.Pending() != tm.Config() {
		t.Fatal("revert left pending changes")
	}

	_ = tm.SetBaudrate(57600)
	if err := tm.Apply(false); err != nil {
		t.Fatal(err)
	}
	if err := tm.Reset(); err != nil {
		t.Fatal(err)
	}
	if b.device != tm.Original() || tm.Config() != tm.Original() {
		t.Fatalf("reset left device at %+v", b.device)
	}
}

func TestHupclPropagatesToOriginal(t *testing.T) {
	r := NewRegistry()
	b := newFakeBackend()
	tm, _ := r.Register("tty0", b)

	tm.SetHupcl(true)
	if err := tm.Apply(true); err != nil {
		t.Fatal(err)
	}
	if !tm.Original().HupCl {
		t.Fatal("hang-up-on-close not mirrored into the original snapshot")
	}
}

func TestEraseLeavesDeviceAlone(t *testing.T) {
	r := NewRegistry()
	b := newFakeBackend()
	tm, _ := r.Register("tty0", b)

	_ = tm.SetBaudrate(115200)
	if err := tm.Apply(false); err != nil {
		t.Fatal(err)
	}
	applied := len(b.applied)

	if err := r.Erase("tty0"); err != nil {
		t.Fatal(err)
	}
	if len(b.applied) != applied || b.finied {
		t.Fatal("erase touched the device")
	}
	if _, err := r.Lookup("tty0"); !errors.Is(err, base.ErrTermNotFound) {
		t.Fatalf("lookup after erase: %v", err)
	}
}

func TestReplaceCarriesStateOver(t *testing.T) {
	r := NewRegistry()
	b1 := newFakeBackend()
	tm, _ := r.Register("tty0", b1)

	_ = tm.SetBaudrate(115200)
	if err := tm.Apply(false); err != nil {
		t.Fatal(err)
	}

	b2 := newFakeBackend()
	got, err := r.Replace("tty0", b2)
	if err != nil {
		t.Fatal(err)
	}
	if got != tm {
		t.Fatal("replace returned a different handle")
	}
	if !b2.inited || b2.device.BaudRate != 115200 {
		t.Fatalf("new backend at %+v", b2.device)
	}

	if err = tm.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if len(b1.tx) != 0 || string(b2.tx) != "x" {
		t.Fatal("writes still reach the old backend")
	}
}

func TestRestoreAll(t *testing.T) {
	r := NewRegistry()
	b1 := newFakeBackend()
	b2 := newFakeBackend()
	t1, _ := r.Register("tty0", b1)
	t2, _ := r.Register("tty1", b2)

	_ = t1.SetBaudrate(115200)
	_ = t2.SetBaudrate(57600)
	_ = t1.Apply(false)
	_ = t2.Apply(false)

	if err := r.RestoreAll(); err != nil {
		t.Fatal(err)
	}
	if b1.device.BaudRate != 9600 || b2.device.BaudRate != 9600 {
		t.Fatalf("devices left at %d / %d bps", b1.device.BaudRate, b2.device.BaudRate)
	}
	if !b1.finied || !b2.finied {
		t.Fatal("backends not shut down")
	}
	if r.Len() != 0 {
		t.Fatalf("registry still holds %d terminals", r.Len())
	}
}

func TestFakeFlush(t *testing.T) {
	r := NewRegistry()
	b := newFakeBackend()
	b.device.FlowControl = base.SerialHWFlowControl
	tm, _ := r.Register("tty0", b)

	if err := tm.FakeFlush(); err != nil {
		t.Fatal(err)
	}
	if b.drained != 1 {
		t.Fatalf("drained %d times", b.drained)
	}
	if len(b.applied) != 2 ||
		b.applied[0].FlowControl != base.SerialNoFlowControl ||
		b.applied[1].FlowControl != base.SerialHWFlowControl {
		t.Fatalf("flow control sequence %+v", b.applied)
	}
	if b.device.FlowControl != base.SerialHWFlowControl {
		t.Fatal("flow control not restored")
	}
}

func TestPulseDTR(t *testing.T) {
	fc := clktesting.NewFakeClock(time.Now())
	r := NewRegistry()
	r.clk = fc
	b := newFakeBackend()
	tm, _ := r.Register("tty0", b)

	done := make(chan error, 1)
	go func() { done <- tm.PulseDTR() }()
	for !fc.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
	if b.modem&base.ModemDTR != 0 {
		t.Fatal("DTR not lowered during the pulse")
	}
	fc.Step(dtrPulseWidth)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if b.modem&base.ModemDTR == 0 {
		t.Fatal("DTR not raised after the pulse")
	}
}

func TestSetterValidation(t *testing.T) {
	r := NewRegistry()
	tm, _ := r.Register("tty0", newFakeBackend())

	if err := tm.SetBaudrate(-1); !errors.Is(err, base.ErrInvalidBaud) {
		t.Fatalf("negative baud: %v", err)
	}
	if err := tm.SetParity(base.SerialParity(9)); !errors.Is(err, base.ErrInvalidParity) {
		t.Fatalf("bad parity: %v", err)
	}
	if err := tm.SetDataBits(base.SerialDataBits(4)); !errors.Is(err, base.ErrInvalidDataBits) {
		t.Fatalf("bad data bits: %v", err)
	}
	if err := tm.SetStopBits(base.SerialStopBits(0)); !errors.Is(err, base.ErrInvalidStopBits) {
		t.Fatalf("bad stop bits: %v", err)
	}
	if err := tm.SetFlowControl(base.SerialFlowControl(7)); !errors.Is(err, base.ErrInvalidFlowControl) {
		t.Fatalf("bad flow control: %v", err)
	}
}

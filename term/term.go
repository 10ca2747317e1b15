// Package term keeps track of managed terminals. Every registered
// terminal carries three configuration snapshots: the one it had when it
// was registered (restored on removal), the one currently in effect, and
// a pending one that setters build up until Apply pushes it to the
// device.
package term

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/serline/libterm-go/base"
)

// MaxTerms bounds the registry size.
const MaxTerms = 16

// dtrPulseWidth is how long PulseDTR holds the line low.
const dtrPulseWidth = 1 * time.Second

// Registry owns the managed terminals. All methods are safe for
// concurrent use.
type Registry struct {
	mu     sync.Mutex
	terms  map[string]*Term
	logger *zap.SugaredLogger
	clk    clock.Clock
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		terms: make(map[string]*Term),
		clk:   clock.RealClock{},
	}
}

func (r *Registry) SetLogger(logger *zap.SugaredLogger) {
	r.logger = logger
}

func (r *Registry) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

// Register initializes the backend, takes the original configuration
// snapshot and returns the managed terminal. The name must be unused and
// the registry not full.
func (r *Registry) Register(name string, backend base.TermBackend) (*Term, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.terms[name]; ok {
		return nil, fmt.Errorf("%w: %s", base.ErrTermExists, name)
	}
	if len(r.terms) >= MaxTerms {
		return nil, fmt.Errorf("%w: %d terminals", base.ErrTermFull, MaxTerms)
	}
	if err := backend.Init(); err != nil {
		return nil, err
	}
	orig, err := backend.GetConfig()
	if err != nil {
		_ = backend.Fini()
		return nil, err
	}

	t := &Term{
		name:    name,
		backend: backend,
		orig:    orig,
		curr:    orig,
		next:    orig,
		reg:     r,
	}
	r.terms[name] = t
	r.logf("Registered terminal %s", name)
	return t, nil
}

// Lookup returns the managed terminal registered under name.
func (r *Registry) Lookup(name string) (*Term, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.terms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", base.ErrTermNotFound, name)
	}
	return t, nil
}

// Remove restores the terminal to its original configuration, shuts the
// backend down and drops the entry. The restore error, if any, is
// reported but the entry is dropped regardless.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.terms[name]
	if !ok {
		return fmt.Errorf("%w: %s", base.ErrTermNotFound, name)
	}
	delete(r.terms, name)
	r.logf("Removed terminal %s", name)
	return multierr.Append(
		t.backend.SetConfig(&t.orig, false),
		t.backend.Fini(),
	)
}

// Erase drops the entry without touching the device: no restore, no
// shutdown. The caller keeps whatever state the terminal is in.
func (r *Registry) Erase(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.terms[name]; !ok {
		return fmt.Errorf("%w: %s", base.ErrTermNotFound, name)
	}
	delete(r.terms, name)
	r.logf("Erased terminal %s", name)
	return nil
}

// Replace swaps the backend under an existing entry, keeping its
// snapshots: the current configuration is pushed to the new backend so
// the managed state carries over. The old backend is left untouched.
func (r *Registry) Replace(name string, backend base.TermBackend) (*Term, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.terms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", base.ErrTermNotFound, name)
	}
	if err := backend.Init(); err != nil {
		return nil, err
	}
	if err := backend.SetConfig(&t.curr, false); err != nil {
		_ = backend.Fini()
		return nil, err
	}
	t.backend = backend
	r.logf("Replaced backend of terminal %s", name)
	return t, nil
}

// RestoreAll puts every registered terminal back to its original
// configuration and shuts the backends down. Errors are collected, not
// short-circuited; the registry ends up empty either way.
func (r *Registry) RestoreAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for name, t := range r.terms {
		err = multierr.Append(err, t.backend.SetConfig(&t.orig, false))
		err = multierr.Append(err, t.backend.Fini())
		delete(r.terms, name)
		r.logf("Restored terminal %s", name)
	}
	return err
}

// Len returns the number of registered terminals.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.terms)
}

// Term is a registered terminal. Setters edit the pending configuration
// only; nothing reaches the device until Apply.
type Term struct {
	name    string
	backend base.TermBackend
	orig    base.Config
	curr    base.Config
	next    base.Config
	reg     *Registry
}

func (t *Term) Name() string {
	return t.name
}

// Config returns the configuration currently in effect.
func (t *Term) Config() base.Config {
	return t.curr
}

// Pending returns the configuration Apply would push.
func (t *Term) Pending() base.Config {
	return t.next
}

// Original returns the snapshot taken at registration.
func (t *Term) Original() base.Config {
	return t.orig
}

// Apply pushes the pending configuration to the device, then re-reads
// what the device actually accepted into both the current and pending
// snapshots. A requested hang-up-on-close change is mirrored into the
// original snapshot, so restoring on removal keeps it.
func (t *Term) Apply(now bool) error {
	if err := t.backend.SetConfig(&t.next, now); err != nil {
		return err
	}
	cfg, err := t.backend.GetConfig()
	if err != nil {
		return err
	}
	t.orig.HupCl = t.next.HupCl
	t.curr = cfg
	t.next = cfg
	return nil
}

// Revert discards pending changes.
func (t *Term) Revert() {
	t.next = t.curr
}

// Refresh re-reads the device into the current snapshot. Pending changes
// are kept.
func (t *Term) Refresh() error {
	cfg, err := t.backend.GetConfig()
	if err != nil {
		return err
	}
	t.curr = cfg
	return nil
}

// Reset puts the device back to its original configuration immediately.
func (t *Term) Reset() error {
	if err := t.backend.SetConfig(&t.orig, false); err != nil {
		return err
	}
	t.curr = t.orig
	t.next = t.orig
	return nil
}

// Set replaces the whole pending configuration.
func (t *Term) Set(cfg *base.Config) error {
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
	t.next = *cfg
	return nil
}

// SetRaw marks the pending configuration raw: no line discipline, one
// byte at a time.
func (t *Term) SetRaw(raw bool) {
	t.next.Raw = raw
}

func (t *Term) SetBaudrate(baud int) error {
	if baud < 0 {
		return fmt.Errorf("%w: %d", base.ErrInvalidBaud, baud)
	}
	t.next.BaudRate = baud
	return nil
}

func (t *Term) SetDataBits(bits base.SerialDataBits) error {
	if !base.ValidDataBits(bits) {
		return fmt.Errorf("%w: %d", base.ErrInvalidDataBits, bits)
	}
	t.next.DataBits = bits
	return nil
}

func (t *Term) SetParity(parity base.SerialParity) error {
	if !base.ValidParity(parity) {
		return fmt.Errorf("%w: %d", base.ErrInvalidParity, parity)
	}
	t.next.Parity = parity
	return nil
}

func (t *Term) SetStopBits(stop base.SerialStopBits) error {
	if !base.ValidStopBits(stop) {
		return fmt.Errorf("%w: %d", base.ErrInvalidStopBits, stop)
	}
	t.next.StopBits = stop
	return nil
}

func (t *Term) SetFlowControl(flow base.SerialFlowControl) error {
	if !base.ValidFlowControl(flow) {
		return fmt.Errorf("%w: %d", base.ErrInvalidFlowControl, flow)
	}
	t.next.FlowControl = flow
	return nil
}

func (t *Term) SetLocal(local bool) {
	t.next.Local = local
}

func (t *Term) SetHupcl(hupcl bool) {
	t.next.HupCl = hupcl
}

// ModemState reads the modem control lines.
func (t *Term) ModemState() (base.ModemBits, error) {
	return t.backend.ModemGet()
}

func (t *Term) RaiseDTR() error {
	return t.backend.ModemBis(base.ModemDTR)
}

func (t *Term) LowerDTR() error {
	return t.backend.ModemBic(base.ModemDTR)
}

func (t *Term) RaiseRTS() error {
	return t.backend.ModemBis(base.ModemRTS)
}

func (t *Term) LowerRTS() error {
	return t.backend.ModemBic(base.ModemRTS)
}

// PulseDTR drops DTR, holds it low for a second and raises it again.
func (t *Term) PulseDTR() error {
	if err := t.backend.ModemBic(base.ModemDTR); err != nil {
		return err
	}
	t.reg.clk.Sleep(dtrPulseWidth)
	return t.backend.ModemBis(base.ModemDTR)
}

func (t *Term) SendBreak() error {
	return t.backend.SendBreak()
}

func (t *Term) Drain() error {
	return t.backend.Drain()
}

func (t *Term) Flush(sel base.FlushSelector) error {
	return t.backend.Flush(sel)
}

// FakeFlush empties the output queue by transmission instead of
// discarding it: flow control is lifted so the drain cannot stall on a
// peer that stopped the line, then put back.
func (t *Term) FakeFlush() error {
	cfg, err := t.backend.GetConfig()
	if err != nil {
		return err
	}
	noflow := cfg
	noflow.FlowControl = base.SerialNoFlowControl
	if err = t.backend.SetConfig(&noflow, true); err != nil {
		return err
	}
	drainErr := t.backend.Drain()
	if err = t.backend.SetConfig(&cfg, true); err != nil {
		return multierr.Append(drainErr, err)
	}
	return drainErr
}

func (t *Term) Read(p []byte) (int, error) {
	return t.backend.Read(p)
}

func (t *Term) Write(src []byte) error {
	return t.backend.Write(src)
}

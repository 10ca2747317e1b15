package base

import (
	"time"

	"go.uber.org/zap"
)

// Stream is a byte transport a terminal backend sits on, usually tcp.
type Stream interface {
	Close() error
	Open() error
	Disconnect() error // hard end of connection without any draining or so
	IsOpen() bool
	SetLogger(logger *zap.SugaredLogger)
	SetDeadline(t time.Time) // zero time means no deadline
	Read(p []byte) (n int, err error)
	Write(src []byte) error // always write everything
}

// FlushSelector selects which terminal queue Flush discards.
type FlushSelector int

const (
	FlushInput  FlushSelector = 1
	FlushOutput FlushSelector = 2
	FlushBoth   FlushSelector = 3
)

// TermBackend is the capability set every terminal variant implements, the
// local tty one as well as the telnet/RFC2217 one. A registry entry binds
// one backend at registration time and never reconsiders the choice.
//
// GetConfig and SetConfig deal in the abstract Config; how that maps to the
// wire (termios bitmasks or COM-PORT suboptions) is the backend's business.
// SetConfig with now=false lets output drain and discards pending input
// before the new settings take effect.
type TermBackend interface {
	Init() error
	Fini() error
	GetConfig() (Config, error)
	SetConfig(cfg *Config, now bool) error
	ModemGet() (ModemBits, error)
	ModemBis(bits ModemBits) error
	ModemBic(bits ModemBits) error
	SendBreak() error
	Flush(sel FlushSelector) error
	Drain() error
	Read(p []byte) (n int, err error)
	Write(src []byte) error
}

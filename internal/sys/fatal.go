package sys

import (
	"fmt"
	"log/slog"
)

// FatalCode identifies an unrecoverable invariant violation.
type FatalCode uint16

const (
	FatalTaskPanic FatalCode = 0x0001 + iota
	FatalInvalidHandle
	FatalDoubleFree
	FatalNilCallback
	FatalBufferOverrun
	FatalStateMachine
)

func (c FatalCode) String() string {
	switch c {
	case FatalTaskPanic:
		return "task_panic"
	case FatalInvalidHandle:
		return "invalid_handle"
	case FatalDoubleFree:
		return "double_free"
	case FatalNilCallback:
		return "nil_callback"
	case FatalBufferOverrun:
		return "buffer_overrun"
	case FatalStateMachine:
		return "state_machine"
	default:
		return fmt.Sprintf("fatal_0x%04X", uint16(c))
	}
}

// FatalHandler runs subscribed shutdown handlers when an invariant breaks,
// newest first, then calls Reset.
type FatalHandler struct {
	logger   *slog.Logger
	handlers []func(FatalCode)

	// Reset is the last step of Raise. If nil, Raise panics.
	Reset func(FatalCode)
}

// NewFatalHandler creates a fatal handler with no subscribers.
func NewFatalHandler(logger *slog.Logger) *FatalHandler {
	return &FatalHandler{logger: logger}
}

// Subscribe registers h to run on Raise.
func (f *FatalHandler) Subscribe(h func(FatalCode)) {
	f.handlers = append(f.handlers, h)
}

// Raise reports an unrecoverable error.
func (f *FatalHandler) Raise(code FatalCode, msg string) {
	f.logger.Error("fatal error", "code", code.String(), "msg", msg)
	for i := len(f.handlers) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("fatal handler panic", "panic", r)
				}
			}()
			f.handlers[i](code)
		}()
	}
	if f.Reset == nil {
		panic(fmt.Sprintf("fatal %s: %s", code, msg))
	}
	f.Reset(code)
}

// Assert raises code when cond is false.
func (f *FatalHandler) Assert(cond bool, code FatalCode, msg string) {
	if !cond {
		f.Raise(code, msg)
	}
}

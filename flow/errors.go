package flow

import "errors"

var (
	ErrClosed        = errors.New("view model closed")
	ErrNilEmitter    = errors.New("emitter is nil")
	ErrPanic         = errors.New("panic recovered")
	ErrInvalidOption = errors.New("invalid option")
	// ErrConflated is returned by a conflated delegate that drops an action equal to
	// the last one it accepted.
	ErrConflated = errors.New("action conflated")
)

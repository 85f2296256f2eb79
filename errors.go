package mcom

import "errors"

// Precondition errors, surfaced to the caller instead of panicking.
var (
	ErrChannelExists    = errors.New("mcom: channel number already open")
	ErrChannelNotFound  = errors.New("mcom: unknown channel number")
	ErrChannelTooLarge  = errors.New("mcom: channel number must be in 0..63")
	ErrBufferTooSmall   = errors.New("mcom: buffer size must be 0 or >= 4")
	ErrAlreadyStarted   = errors.New("mcom: StartCom called more than once")
	ErrChannelZeroIsCtl = errors.New("mcom: channel 0 carries control frames only")
)

// Transport-fatal and protocol-fatal errors, on which workers exit, plus
// ErrEngineClosed, which Engine.Tx/Rx return after CloseConnection.
var (
	ErrConnectionBroken    = errors.New("mcom: connection broken")
	ErrUnknownInstruction  = errors.New("mcom: unknown instruction on channel 0")
	ErrMalformedFrame      = errors.New("mcom: malformed frame")
	ErrDataTooLarge        = errors.New("mcom: frame payload exceeds maximum size")
	ErrAckLevelOutOfRange  = errors.New("mcom: ack/resume level out of range")
	ErrEngineClosed        = errors.New("mcom: engine is closed")
)

// ErrTimeout is returned by blocking calls whose deadline elapsed.
var ErrTimeout = errors.New("mcom: timeout")

// ErrEmpty is returned by non-blocking pool reads that found nothing
// immediately available; it is a transient condition, not a failure.
var ErrEmpty = errors.New("mcom: nothing available")

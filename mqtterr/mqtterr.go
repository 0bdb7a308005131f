// Package mqtterr defines the error taxonomy shared by the buf, loop,
// channel, decoder and mqtt packages. Error values follow the teacher
// package's style of small wrapped structs with a Cause chain, rather than
// bare sentinel strings, so callers can errors.As into the specific kind
// without string matching.
package mqtterr

import (
	"errors"
	"fmt"
)

// Sentinel errors for loop/channel lifecycle conditions. These are tested
// with errors.Is, matching the eventloop package's ErrLoopAlreadyRunning
// family.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is
	// already running.
	ErrLoopAlreadyRunning = errors.New("mqttpipe: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a loop
	// that has shut down.
	ErrLoopTerminated = errors.New("mqttpipe: loop has been terminated")

	// ErrLoopNotRunning describes an operation on a loop that hasn't been
	// started. No function in this module returns it.
	ErrLoopNotRunning = errors.New("mqttpipe: loop is not running")

	// ErrReentrantRun is returned when Run is called on a loop whose Run has
	// already bound a goroutine, whether the second call comes from that
	// goroutine or from another.
	ErrReentrantRun = errors.New("mqttpipe: cannot call Run from within the loop")

	// ErrChannelClosed is returned by channel operations attempted after
	// close has completed.
	ErrChannelClosed = errors.New("mqttpipe: channel is closed")

	// ErrChannelNotRegistered describes a channel operation that requires
	// pipeline/loop binding that hasn't happened yet. No function in this
	// module returns it.
	ErrChannelNotRegistered = errors.New("mqttpipe: channel is not registered to an event loop")

	// ErrHandlerNotFound is returned by Pipeline.Remove/Replace when no
	// handler is registered under the given name.
	ErrHandlerNotFound = errors.New("mqttpipe: no handler registered under that name")

	// ErrHandlerNameTaken is returned by Pipeline.AddFirst/AddLast/AddBefore/AddAfter
	// when the given name is already in use.
	ErrHandlerNameTaken = errors.New("mqttpipe: handler name already in use")

	// ErrBufferReleased is the panic value of any buf.Buffer operation
	// performed after its reference count has dropped to zero.
	ErrBufferReleased = errors.New("mqttpipe: buffer has been released")

	// ErrUnderflow is returned when a read would consume more bytes than
	// are readable.
	ErrUnderflow = errors.New("mqttpipe: buffer underflow")

	// ErrOverflow is returned when a write would exceed buffer capacity.
	ErrOverflow = errors.New("mqttpipe: buffer overflow")

	// errNeedMoreBytes is the internal-only signal used by the replaying
	// decoder; it must never escape the decoder package's public API.
	errNeedMoreBytes = errors.New("mqttpipe: need more bytes (internal)")
)

// NeedMoreBytes reports whether err is the internal "need more bytes"
// signal used by decoder.Replaying. It is exported only so decoder.Replaying
// itself (and tests in this module) can recognize it; ordinary callers of
// mqtt.Decoder never observe it.
func NeedMoreBytes(err error) bool {
	return errors.Is(err, errNeedMoreBytes)
}

// ErrNeedMoreBytes returns the sentinel used to request a replay from
// within a decode routine.
func ErrNeedMoreBytes() error {
	return errNeedMoreBytes
}

// DecoderCode identifies the specific rule a DecoderError violated, matching
// the named subtypes of spec.md section 7.
type DecoderCode int

const (
	_ DecoderCode = iota
	CodeMalformedRemainingLength
	CodeMessageTooBig
	CodeUnexpectedProtocolName
	CodeUnexpectedProtocolLevel
	CodeInvalidFlags
	CodeInvalidQoS
	CodeInvalidTopicName
	CodeInvalidTopicFilter
	CodeInvalidPacketID
	CodeUnexpectedRemainingLength
	CodeTruncatedString
	CodeUnsupportedDirection
	CodeEmptySubscribe
	CodeEmptyUnsubscribe
	CodeInvalidReturnCode
)

func (c DecoderCode) String() string {
	switch c {
	case CodeMalformedRemainingLength:
		return "MalformedRemainingLength"
	case CodeMessageTooBig:
		return "MessageTooBig"
	case CodeUnexpectedProtocolName:
		return "UnexpectedProtocolName"
	case CodeUnexpectedProtocolLevel:
		return "UnexpectedProtocolLevel"
	case CodeInvalidFlags:
		return "InvalidFlags"
	case CodeInvalidQoS:
		return "InvalidQos"
	case CodeInvalidTopicName:
		return "InvalidTopicName"
	case CodeInvalidTopicFilter:
		return "InvalidTopicFilter"
	case CodeInvalidPacketID:
		return "InvalidPacketId"
	case CodeUnexpectedRemainingLength:
		return "UnexpectedRemainingLength"
	case CodeTruncatedString:
		return "TruncatedString"
	case CodeUnsupportedDirection:
		return "UnsupportedDirection"
	case CodeEmptySubscribe:
		return "EmptySubscribe"
	case CodeEmptyUnsubscribe:
		return "EmptyUnsubscribe"
	case CodeInvalidReturnCode:
		return "InvalidReturnCode"
	default:
		return fmt.Sprintf("DecoderCode(%d)", int(c))
	}
}

// DecoderError is a fatal, channel-closing error raised while decoding an
// MQTT control packet. It is always surfaced as an exception-caught event.
type DecoderError struct {
	Code    DecoderCode
	Rule    string // e.g. "[MQTT-3.1.2-3]"; empty when there is no numbered rule
	Message string
	Cause   error
}

func (e *DecoderError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("mqttpipe: decode: %s: %s %s", e.Code, e.Message, e.Rule)
	}
	return fmt.Sprintf("mqttpipe: decode: %s: %s", e.Code, e.Message)
}

func (e *DecoderError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &DecoderError{Code: X}) to match any
// DecoderError with the same Code, ignoring Message/Rule/Cause.
func (e *DecoderError) Is(target error) bool {
	var d *DecoderError
	if !errors.As(target, &d) {
		return false
	}
	return d.Code == e.Code
}

// NewDecoderError builds a DecoderError for the given code.
func NewDecoderError(code DecoderCode, rule, message string) *DecoderError {
	return &DecoderError{Code: code, Rule: rule, Message: message}
}

// EncoderError reports a failure to serialize a packet, e.g. an unknown
// packet variant or a field that violates the wire-format invariants the
// encoder is responsible for enforcing.
type EncoderError struct {
	Message string
	Cause   error
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("mqttpipe: encode: %s", e.Message)
}

func (e *EncoderError) Unwrap() error { return e.Cause }

// NewEncoderError builds an EncoderError.
func NewEncoderError(message string, cause error) *EncoderError {
	return &EncoderError{Message: message, Cause: cause}
}

// TransportError wraps an error surfaced by the underlying duplex transport
// (e.g. a net.Conn read/write failure) as it propagates inbound through the
// pipeline as an exception-caught event.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mqttpipe: transport: %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// NewTransportError wraps cause as a TransportError for the given op.
func NewTransportError(op string, cause error) *TransportError {
	return &TransportError{Op: op, Cause: cause}
}

// RejectedTask is returned by Loop.Submit/SubmitInternal/Schedule when the
// loop has already entered a terminal or terminating state that refuses new
// work.
type RejectedTask struct {
	Reason error
}

func (e *RejectedTask) Error() string {
	return fmt.Sprintf("mqttpipe: task rejected: %v", e.Reason)
}

func (e *RejectedTask) Unwrap() error { return e.Reason }

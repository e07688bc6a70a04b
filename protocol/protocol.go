// Package protocol implements the HARPC binary frame protocol.
//
// Every frame is a fixed 32-byte header followed by a payload of at most
// MaxPayloadSize bytes. The receiver reads the header first to learn the
// payload length, then reads exactly that many bytes. The call id in every
// header is what lets frames of different calls interleave on one connection.
//
// Frame format:
//
//	0       5  6          10 11                      28          32
//	┌───────┬──┬──────────┬──┬───────────────────────┬───────────┬──────────────┐
//	│ magic │v │ call id  │fl│ body head (zero pad)  │  length   │ payload ...  │
//	│ harpc │01│  uint32  │  │      17 bytes         │  uint32   │ length bytes │
//	└───────┴──┴──────────┴──┴───────────────────────┴───────────┴──────────────┘
//
// Flag bit 0x01 marks the last frame of a request (EndOfRequest) or of a
// response (EndOfResponse). Bit 0x80 marks a Begin body and is derived from
// the body variant on encode. Any other bit is a protocol violation.
//
// Body heads:
//
//	request Begin:  service id u16 | major u8 | minor u8 | procedure id u16
//	response Begin: kind u16 (0 = success, otherwise the error code)
//	Frame:          nothing, all padding
package protocol

import (
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed size of every frame header.
	HeaderSize = 32
	// MaxPayloadSize bounds the payload of a single frame (64 KiB).
	MaxPayloadSize = 64 * 1024

	bodyHeadSize = 17
	lengthOffset = 28
)

// Magic identifies a HARPC frame and rejects foreign traffic early
// (e.g. an HTTP client hitting the wrong port).
var Magic = [5]byte{'h', 'a', 'r', 'p', 'c'}

// ProtocolVersion is the wire format revision carried in every header.
type ProtocolVersion uint8

// Version1 is the only revision this package speaks.
const Version1 ProtocolVersion = 1

func (v ProtocolVersion) Supported() bool { return v == Version1 }

// CallID identifies one in-flight call on a connection. It is stable for the
// life of the call and may be reused once the call has fully completed.
type CallID uint32

type (
	ServiceID   uint16
	ProcedureID uint16
)

// ServiceVersion is the major.minor version a request is addressed to.
type ServiceVersion struct {
	Major uint8
	Minor uint8
}

func (v ServiceVersion) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// ServiceDescriptor names a service and the version the caller expects.
type ServiceDescriptor struct {
	ID      ServiceID
	Version ServiceVersion
}

func (d ServiceDescriptor) String() string {
	return fmt.Sprintf("%d@%s", d.ID, d.Version)
}

const flagBegin uint8 = 0x80

type RequestFlags uint8

const FlagEndOfRequest RequestFlags = 0x01

func (f RequestFlags) EndOfRequest() bool { return f&FlagEndOfRequest != 0 }

type ResponseFlags uint8

const FlagEndOfResponse ResponseFlags = 0x01

func (f ResponseFlags) EndOfResponse() bool { return f&FlagEndOfResponse != 0 }

// ErrorCode is the non-zero code of a failed response.
type ErrorCode uint16

// Codes reserved by the transport. Application codes should stay below 0xFF00.
const (
	ErrorCodeConnectionShutdown         ErrorCode = 0xFF00
	ErrorCodeConnectionTransactionLimit ErrorCode = 0xFF01
	ErrorCodeNotFound                   ErrorCode = 0xFF02
	ErrorCodeRateLimited                ErrorCode = 0xFF03
	ErrorCodeInternal                   ErrorCode = 0xFFFF
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeConnectionShutdown:
		return "connection shutdown"
	case ErrorCodeConnectionTransactionLimit:
		return "connection transaction limit reached"
	case ErrorCodeNotFound:
		return "not found"
	case ErrorCodeRateLimited:
		return "rate limited"
	case ErrorCodeInternal:
		return "internal server error"
	}
	return fmt.Sprintf("error code %#04x", uint16(c))
}

// ResponseKind is success, or failure with an error code. It is encoded as
// the code itself, with 0 meaning success.
type ResponseKind uint16

const KindSuccess ResponseKind = 0

// Failure returns the failure kind for code. A zero code is not a valid
// failure and maps to ErrorCodeInternal.
func Failure(code ErrorCode) ResponseKind {
	if code == 0 {
		code = ErrorCodeInternal
	}
	return ResponseKind(code)
}

func (k ResponseKind) IsSuccess() bool { return k == KindSuccess }

// Code returns the error code of a failure kind, or 0 for success.
func (k ResponseKind) Code() ErrorCode { return ErrorCode(k) }

func (k ResponseKind) String() string {
	if k.IsSuccess() {
		return "success"
	}
	return "failure(" + k.Code().String() + ")"
}

var (
	// ErrViolation is matched by every protocol violation.
	ErrViolation = errors.New("protocol violation")

	ErrInvalidMagic       = fmt.Errorf("%w: invalid magic", ErrViolation)
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", ErrViolation)
	ErrMalformedFlags     = fmt.Errorf("%w: malformed flags", ErrViolation)
	ErrPayloadTooLarge    = fmt.Errorf("%w: payload too large", ErrViolation)
)

// IsFatal reports whether err leaves the byte stream out of sync, so the
// connection cannot continue. Other violations only spoil a single frame.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidMagic) || errors.Is(err, ErrPayloadTooLarge) {
		return true
	}
	return !errors.Is(err, ErrViolation)
}

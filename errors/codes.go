// Error codes shared by the engine and the command protocol. A Code is also
// the status byte at the start of every response payload, so values must never
// be renumbered. New codes go at the end.

package errors

import (
	"fmt"
)

type Code uint8

var errorMessagesByCode map[Code]string

const (
	OK Code = iota
	// InProgress is the "still working" marker. It is never terminal.
	InProgress
	EINVAL
	ERANGE
	EBADBLK
	EERASE
	EPROGRAM
	EBADMSG
	EWEAR
	ETIMEDOUT
	ECHECKSUM
	ENODEV
	EPROTO
	EBUSY
	ECANCELED
	ENOTSUP
	ENOSPC
	EGEOMETRY
	ENOANCESTOR
	ENOENT
	EUCLEAN
	EFORMAT
	EEXIST
	EIO
	ENOJOB
	EVERIFY
	ENOSPARE
)

var ErrInvalidArgument = New(EINVAL)
var ErrAddressOutOfRange = New(ERANGE)
var ErrBadBlock = New(EBADBLK)
var ErrEraseFailed = New(EERASE)
var ErrProgramFailed = New(EPROGRAM)
var ErrUncorrectable = New(EBADMSG)
var ErrWearLimitExceeded = New(EWEAR)
var ErrTimeout = New(ETIMEDOUT)
var ErrChecksum = New(ECHECKSUM)
var ErrDisconnected = New(ENODEV)
var ErrProtocol = New(EPROTO)
var ErrBusy = New(EBUSY)
var ErrAborted = New(ECANCELED)
var ErrNotSupported = New(ENOTSUP)
var ErrNoSpace = New(ENOSPC)
var ErrGeometryMismatch = New(EGEOMETRY)
var ErrMissingAncestor = New(ENOANCESTOR)
var ErrNotFound = New(ENOENT)
var ErrTableUnknown = New(EUCLEAN)
var ErrUnsupportedFormat = New(EFORMAT)
var ErrExists = New(EEXIST)
var ErrIOFailed = New(EIO)
var ErrNoSuchJob = New(ENOJOB)
var ErrVerifyFailed = New(EVERIFY)
var ErrNoSpareBlocks = New(ENOSPARE)

func init() {
	errorMessagesByCode = make(map[Code]string, 32)
	errorMessagesByCode[OK] = "Success"
	errorMessagesByCode[InProgress] = "Operation in progress"
	errorMessagesByCode[EINVAL] = "Invalid argument"
	errorMessagesByCode[ERANGE] = "Address out of range"
	errorMessagesByCode[EBADBLK] = "Block is marked bad"
	errorMessagesByCode[EERASE] = "Block erase failed"
	errorMessagesByCode[EPROGRAM] = "Page program failed"
	errorMessagesByCode[EBADMSG] = "Uncorrectable ECC error"
	errorMessagesByCode[EWEAR] = "Block wear limit exceeded"
	errorMessagesByCode[ETIMEDOUT] = "Timed out waiting for response"
	errorMessagesByCode[ECHECKSUM] = "Frame checksum mismatch"
	errorMessagesByCode[ENODEV] = "Device disconnected"
	errorMessagesByCode[EPROTO] = "Protocol error"
	errorMessagesByCode[EBUSY] = "Device or resource busy"
	errorMessagesByCode[ECANCELED] = "Operation aborted"
	errorMessagesByCode[ENOTSUP] = "Operation not supported"
	errorMessagesByCode[ENOSPC] = "Not enough usable blocks on destination"
	errorMessagesByCode[EGEOMETRY] = "Chip geometry mismatch"
	errorMessagesByCode[ENOANCESTOR] = "Backup ancestor missing"
	errorMessagesByCode[ENOENT] = "Not found"
	errorMessagesByCode[EUCLEAN] = "Table unknown, rescan required"
	errorMessagesByCode[EFORMAT] = "Unsupported persisted format version"
	errorMessagesByCode[EEXIST] = "Already exists"
	errorMessagesByCode[EIO] = "Input/output error"
	errorMessagesByCode[ENOJOB] = "No such job"
	errorMessagesByCode[EVERIFY] = "Verification failed"
	errorMessagesByCode[ENOSPARE] = "No spare block left for remapping"
}

func StrError(code Code) string {
	message, ok := errorMessagesByCode[code]
	if ok {
		return message
	}
	return fmt.Sprintf("error %d not recognized.", int(code))
}

func (c Code) String() string {
	return StrError(c)
}

////////////////////////////////////////////////////////////////////////////////
// Taxonomy

// Class groups codes by how callers are expected to react to them.
type Class int

const (
	ClassOther Class = iota
	// ClassRecoverable errors concern a single block. The block is marked bad
	// and the job routes around it.
	ClassRecoverable
	// ClassTransport errors are retried with backoff, then fail the job.
	ClassTransport
	// ClassPrecondition errors are raised before any mutation and never retried.
	ClassPrecondition
)

func (c Class) String() string {
	switch c {
	case ClassRecoverable:
		return "recoverable-block"
	case ClassTransport:
		return "transport"
	case ClassPrecondition:
		return "precondition"
	default:
		return "other"
	}
}

func (c Code) Class() Class {
	switch c {
	case EBADBLK, EERASE, EPROGRAM, EBADMSG, EWEAR, EVERIFY, ENOSPARE:
		return ClassRecoverable
	case ETIMEDOUT, ECHECKSUM, ENODEV, EPROTO, EIO:
		return ClassTransport
	case EINVAL, ERANGE, ENOSPC, EGEOMETRY, ENOANCESTOR, EUCLEAN, EFORMAT, ENOTSUP:
		return ClassPrecondition
	default:
		return ClassOther
	}
}

package commands

import (
	"time"

	"github.com/mrcgq/rdtp/internal/handler"
	"github.com/mrcgq/rdtp/internal/protocol"
)

// Process exit codes.
const (
	exitOK            = 0
	exitTooLarge      = 1
	exitNotFound      = 2
	exitBadRequest    = 3
	exitUsage         = 4
	exitNetwork       = 5
	exitTimeout       = 6
	exitProtocol      = 7
	exitServer        = 8
	exitAlreadyExists = 9
)

const dialTimeout = 10 * time.Second

func exitCode(r *handler.Result) int {
	if r.OK {
		return exitOK
	}
	if r.TimedOut() {
		return exitTimeout
	}
	return exitCodeForKind(r.Kind)
}

func exitCodeForKind(k protocol.ErrorKind) int {
	switch k {
	case protocol.KindNone:
		return exitOK
	case protocol.KindFileTooLarge:
		return exitTooLarge
	case protocol.KindFileNotFound:
		return exitNotFound
	case protocol.KindBadRequest:
		return exitBadRequest
	case protocol.KindFileAlreadyExists:
		return exitAlreadyExists
	case protocol.KindServerError:
		return exitServer
	case protocol.KindMalformedFrame, protocol.KindInvalidHandshake, protocol.KindSequenceMismatch:
		return exitProtocol
	default:
		// ConnectionFailed / TransferFailed
		return exitNetwork
	}
}

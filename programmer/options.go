package programmer

import (
	"github.com/dargueta/nandkit/ecc"
	"github.com/rs/zerolog"
)

type options struct {
	verify         bool
	verifyErase    bool
	skipBlankPages bool
	retryCount     int
	scheme         ecc.Scheme
	logger         zerolog.Logger
}

func defaultOptions() options {
	return options{
		verify:         true,
		verifyErase:    true,
		skipBlankPages: true,
		retryCount:     3,
		scheme:         ecc.BCH(8),
		logger:         zerolog.Nop(),
	}
}

type Option func(*options)

// Verify turns read-back verification of programmed pages on or off.
func Verify(enabled bool) Option {
	return func(o *options) {
		o.verify = enabled
	}
}

// VerifyErase turns the blank check after an erase on or off.
func VerifyErase(enabled bool) Option {
	return func(o *options) {
		o.verifyErase = enabled
	}
}

// SkipBlankPages leaves pages whose data is entirely 0xFF unprogrammed, since
// an erased page already holds that content.
func SkipBlankPages(enabled bool) Option {
	return func(o *options) {
		o.skipBlankPages = enabled
	}
}

// RetryCount sets how many other blocks [Programmer.ProgramAnywhere] tries after
// a recoverable failure.
func RetryCount(count int) Option {
	return func(o *options) {
		o.retryCount = max(count, 0)
	}
}

// Scheme selects the ECC scheme used to verify pages and to fill the spare area.
func Scheme(scheme ecc.Scheme) Option {
	return func(o *options) {
		o.scheme = scheme
	}
}

func Logger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

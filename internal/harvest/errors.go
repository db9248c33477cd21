package harvest

import "errors"

// Error categories checked with errors.Is across packages.
var (
	// ErrNotFound reports a missing element, page or file.
	ErrNotFound = errors.New("not found")
	// ErrSetup marks a session setup or reload failure; the cycle is abandoned.
	ErrSetup = errors.New("session setup failed")
	// ErrCaptchaUnsolved reports a challenge the solver could not resolve.
	ErrCaptchaUnsolved = errors.New("captcha unsolved")
	// ErrDetectionTimeout reports a download that never materialised.
	ErrDetectionTimeout = errors.New("download detection timed out")
	// ErrNoSession is returned when an operation needs a live browser session.
	ErrNoSession = errors.New("no active browser session")
)

// Package errs defines the enumerated error codes used across the
// storage engine (spec.md §6/§7) and a small breadcrumb stack that
// accumulates file:line locations as an error propagates, in place of
// wrapping with fmt.Errorf at every layer.
package errs

import (
	"fmt"
	"runtime"
	"strings"
)

// Code is a comparable error-code value, following the teacher's
// BLTErr-by-value convention instead of the stdlib error interface for
// the hot control-flow codes (retry, lock timeout, deadlock, ...).
type Code int

const (
	Ok Code = iota

	// Retryable (internal) — never surfaced to a user.
	Retry
	GoodRetry
	LockRetry

	// Transactional — caller aborts the transaction.
	LockTimeout
	CondLockTimeout
	Deadlock
	TooManyRetry
	OutOfLogSpace

	// User-visible.
	NotFound
	Duplicate
	RecWontFit
	EOF
	BadArgument

	// Consistency.
	BadChecksum
	WrongPageLSNChain
	AccessConflict
	NoParentSPR

	// Structural / internal.
	Struct
	Overflow
	OutOfMemory
	TwoThread
	InTrans
	NoTrans
	LatchQFail
	NeedRealLatch
	VolFailed

	// Fatal — abort the process.
	Internal
	Crash
	OS
)

var names = map[Code]string{
	Ok:                "ok",
	Retry:             "eRETRY",
	GoodRetry:         "eGOODRETRY",
	LockRetry:         "eLOCKRETRY",
	LockTimeout:       "eLOCKTIMEOUT",
	CondLockTimeout:   "eCONDLOCKTIMEOUT",
	Deadlock:          "eDEADLOCK",
	TooManyRetry:      "eTOOMANYRETRY",
	OutOfLogSpace:     "eOUTOFLOGSPACE",
	NotFound:          "eNOTFOUND",
	Duplicate:         "eDUPLICATE",
	RecWontFit:        "eRECWONTFIT",
	EOF:               "eEOF",
	BadArgument:       "eBADARGUMENT",
	BadChecksum:       "eBADCHECKSUM",
	WrongPageLSNChain: "eWRONG_PAGE_LSNCHAIN",
	AccessConflict:    "eACCESS_CONFLICT",
	NoParentSPR:       "eNO_PARENT_SPR",
	Struct:            "eSTRUCT",
	Overflow:          "eOVERFLOW",
	OutOfMemory:       "eOUTOFMEMORY",
	TwoThread:         "eTWOTHREAD",
	InTrans:           "eINTRANS",
	NoTrans:           "eNOTRANS",
	LatchQFail:        "eLATCHQFAIL",
	NeedRealLatch:     "eNEEDREALLATCH",
	VolFailed:         "eVOLFAILED",
	Internal:          "eINTERNAL",
	Crash:             "eCRASH",
	OS:                "eOS",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("eUNKNOWN(%d)", int(c))
}

// Retryable reports whether c is one of the internal retry codes that
// must be caught at a specified retry point (insert-core, update-core,
// traverse) and never surfaced past the public API (spec.md §7).
func (c Code) Retryable() bool {
	switch c {
	case Retry, GoodRetry, LockRetry:
		return true
	default:
		return false
	}
}

// Fatal reports whether c should abort the process rather than the
// transaction.
func (c Code) Fatal() bool {
	switch c {
	case Internal, Crash, OS:
		return true
	default:
		return false
	}
}

// Frame is one file:line breadcrumb captured at a throw or rethrow
// point.
type Frame struct {
	File string
	Line int
}

// Error augments a Code with the stack of locations it passed through.
type Error struct {
	Code   Code
	Frames []Frame
	msg    string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.msg)
	}
	return e.Code.String()
}

// Unwrap returns nil: an Error wraps no other error; CodeOf reads its
// Code.
func (e *Error) Unwrap() error { return nil }

// New creates an Error for code, capturing the caller's location as
// the first breadcrumb frame.
func New(code Code, msg string) *Error {
	e := &Error{Code: code, msg: msg}
	e.touch(1)
	return e
}

// Wrap augments err (if it is, or wraps, an *Error) with an additional
// breadcrumb frame at the call site, or creates a new Error with code
// if err is some other error type.
func Wrap(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		e.touch(1)
		return e
	}
	e := New(code, err.Error())
	return e
}

func (e *Error) touch(skip int) {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return
	}
	e.Frames = append(e.Frames, Frame{File: file, Line: line})
}

// CodeOf extracts the Code carried by err, or Internal if err is not
// an *Error.
func CodeOf(err error) Code {
	if err == nil {
		return Ok
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Internal
}

// Trace renders the breadcrumb stack, most-recent-first, for
// diagnostics.
func (e *Error) Trace() string {
	var b strings.Builder
	for i := len(e.Frames) - 1; i >= 0; i-- {
		f := e.Frames[i]
		fmt.Fprintf(&b, "%s:%d\n", f.File, f.Line)
	}
	return b.String()
}

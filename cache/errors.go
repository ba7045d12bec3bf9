/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cache

// ErrCode discriminates the engine's error taxonomy: every fallible engine
// operation surfaces one of these on its completion event, never a panic.
type ErrCode int

const (
	// ErrNone is the zero value; never returned, used as "no error".
	ErrNone ErrCode = iota
	ErrNoDoc
	ErrNoSpace
	ErrDocBusy
	ErrBadDisk
	ErrReadError
	ErrCorruptData
	ErrAltMiss
	ErrReadRetry
)

func (e ErrCode) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrNoDoc:
		return "no-doc"
	case ErrNoSpace:
		return "no-space"
	case ErrDocBusy:
		return "doc-busy"
	case ErrBadDisk:
		return "bad-disk"
	case ErrReadError:
		return "read-error"
	case ErrCorruptData:
		return "corrupt-data"
	case ErrAltMiss:
		return "alt-miss"
	case ErrReadRetry:
		return "read-retry"
	default:
		return "unknown"
	}
}

// CacheError wraps an ErrCode as a Go error, with optional context.
type CacheError struct {
	Code ErrCode
	Key  Key
	Msg  string
}

func (e *CacheError) Error() string {
	if e.Msg != "" {
		return e.Code.String() + ": " + e.Msg
	}
	return e.Code.String()
}

func newErr(code ErrCode, key Key, msg string) *CacheError {
	return &CacheError{Code: code, Key: key, Msg: msg}
}

// IsRetry reports whether err is the internal Read-retry signal (directory
// collision chain exhausted one probe step, caller should re-issue).
func IsRetry(err error) bool {
	ce, ok := err.(*CacheError)
	return ok && ce.Code == ErrReadRetry
}

// Code extracts the ErrCode from err, or ErrNone if err is not a CacheError.
func Code(err error) ErrCode {
	if ce, ok := err.(*CacheError); ok {
		return ce.Code
	}
	return ErrNone
}

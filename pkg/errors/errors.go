// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors holds the standardized error definitions for the I/O
// permission space and its collaborators.
package errors

import (
	"golang.org/x/sys/unix"
)

// Error represents an errno with a descriptive message.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(err unix.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Is implements the interface used by errors.Is. Two *Errors match if they
// carry the same errno, and an *Error matches its bare unix.Errno.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return e.errno == t.errno
	case unix.Errno:
		return e.errno == t
	}
	return false
}

var (
	// ENOMEM is returned when the frame allocator is exhausted.
	ENOMEM = New(unix.ENOMEM, "cannot allocate memory")

	// EINVAL is returned for malformed requests, such as a port index
	// outside of the bitmap.
	EINVAL = New(unix.EINVAL, "invalid argument")

	// EEXIST is returned when an ownership range collides with an
	// existing one.
	EEXIST = New(unix.EEXIST, "range already owned")
)

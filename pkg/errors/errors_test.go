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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestIs(t *testing.T) {
	wrapped := fmt.Errorf("allocating bitmap page: %w", ENOMEM)
	if !stderrors.Is(wrapped, ENOMEM) {
		t.Errorf("errors.Is(%v, ENOMEM) = false", wrapped)
	}
	if !stderrors.Is(wrapped, unix.ENOMEM) {
		t.Errorf("errors.Is(%v, unix.ENOMEM) = false", wrapped)
	}
	if stderrors.Is(wrapped, EINVAL) {
		t.Errorf("errors.Is(%v, EINVAL) = true", wrapped)
	}
	var e *Error
	if !stderrors.As(wrapped, &e) || e.Errno() != unix.ENOMEM {
		t.Errorf("errors.As(%v) = %v", wrapped, e)
	}
}

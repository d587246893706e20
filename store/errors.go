// SPDX-License-Identifier: LGPL-3.0-or-later

package store

import "errors"

// Sentinel errors every Store implementation must return (wrapped with
// %w and contextual detail) for the corresponding failure.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrSerialization = errors.New("store: serialization error")
	ErrIO            = errors.New("store: io error")
	ErrStorageFull   = errors.New("store: storage full")
	ErrCorruption    = errors.New("store: corruption detected")
	ErrNotSupported  = errors.New("store: operation not supported by this backend")
)

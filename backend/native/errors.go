// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import "github.com/cockroachdb/errors"

// Package errors.
var (
	// ErrNoHALProvider is returned when a device provider does not expose
	// HAL device and queue objects.
	ErrNoHALProvider = errors.New("native: provider does not expose HAL device and queue")

	// ErrNotNative is returned when a buffer was not created by this backend.
	ErrNotNative = errors.New("native: buffer has no native object")

	// ErrFenceTimeout is returned when the GPU does not reach a fence in time.
	ErrFenceTimeout = errors.New("native: timed out waiting for the GPU")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("native: backend closed")
)

// Copyright 2025 The Corundum Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/pkg/errors"
)

// The four error classes of the engine. Every failure returned by the graph
// machinery or by an operator wraps exactly one of them, so callers can
// classify with errors.Is. None of these are retryable: they are
// deterministic functions of the graph structure and configuration.
var (
	// ErrBuild reports a malformed or inconsistent operator configuration at
	// Build time. The failed build registers nothing; the graph is unchanged.
	ErrBuild = errors.New("operator build error")

	// ErrShapeProp reports an irreconcilable shape constraint found during
	// shape propagation. The message carries both conflicting shapes.
	ErrShapeProp = errors.New("shape propagation error")

	// ErrExec reports a runtime shape/size assertion failure during
	// execution. Structural correctness is guaranteed by shape propagation
	// beforehand, so an ErrExec indicates an invariant violation upstream.
	ErrExec = errors.New("execution error")

	// ErrGradient reports a failure while constructing a backward graph.
	ErrGradient = errors.New("gradient error")

	// ErrGradientUnimplemented is returned by the Gradient method of
	// operators with no defined adjoint, typically backward operators asked
	// for a second derivative. It is a declared limitation, never a silent
	// zero. errors.Is(err, ErrGradient) also holds.
	ErrGradientUnimplemented = errors.WithMessage(ErrGradient, "gradient not implemented for operator")
)

// BuildErrorf returns an ErrBuild-classed error with a stack trace.
func BuildErrorf(format string, args ...any) error {
	return errors.WithStack(errors.WithMessagef(ErrBuild, format, args...))
}

// ShapePropErrorf returns an ErrShapeProp-classed error with a stack trace.
func ShapePropErrorf(format string, args ...any) error {
	return errors.WithStack(errors.WithMessagef(ErrShapeProp, format, args...))
}

// ExecErrorf returns an ErrExec-classed error with a stack trace.
func ExecErrorf(format string, args ...any) error {
	return errors.WithStack(errors.WithMessagef(ErrExec, format, args...))
}

// GradientErrorf returns an ErrGradient-classed error with a stack trace.
func GradientErrorf(format string, args ...any) error {
	return errors.WithStack(errors.WithMessagef(ErrGradient, format, args...))
}

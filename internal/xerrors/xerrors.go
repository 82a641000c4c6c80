// Package xerrors wraps errors with the call site (Wrap) or a full stack
// (New, WithStack, EnsureTrace) so the logger can point at where a failure began.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

type withStack struct {
	err error
	pcs []uintptr
}

func (w *withStack) Error() string       { return w.err.Error() }
func (w *withStack) Unwrap() error       { return w.err }
func (w *withStack) StackPCs() []uintptr { return w.pcs }

// skip counts frames above the exported constructor
func stackOf(err error, skip int) error {
	if err == nil {
		return nil
	}
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+2, pcs)
	return &withStack{err: err, pcs: pcs[:n]}
}

type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) PC() uintptr   { return w.pc }

func caller() uintptr {
	var pcs [1]uintptr
	// runtime.Callers, caller, Wrap/Wrapf
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func New(msg string) error { return stackOf(errors.New(msg), 1) }

func Newf(format string, args ...any) error { return stackOf(fmt.Errorf(format, args...), 1) }

// WithStack records the current stack on err.
func WithStack(err error) error { return stackOf(err, 1) }

// EnsureTrace is WithStack unless some error in the chain already carries a stack.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return stackOf(err, 1)
}

// Wrap annotates err with msg and the caller's program counter. Returns nil for a nil err.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: caller()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: caller()}
}

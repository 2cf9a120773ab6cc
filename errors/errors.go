// This module implements errors which carry the stack of the goroutine that
// created them, plus helpers to peel wrapped errors back to their root.
//
// NOTE: This package intentionally mirrors the standard "errors" module.
// Code in this repository should use it instead of the standard one so that
// failures surfaced by the bridge and the check tool keep their origin.
package errors

import (
	"bytes"
	"fmt"
	"reflect"
	"runtime"
	"sync"
)

// StackError exposes the message, the wrapped error and the creation stack.
type StackError interface {
	// This returns the error message without the stack trace.
	GetMessage() string

	// This returns the wrapped error.  This returns nil if this does not wrap
	// another error.
	GetInner() error

	// Implements the built-in error interface.
	Error() string

	// Returns resolved stack frames.
	StackFrames() []StackFrame

	// Returns string representation of stack frames, one function per line
	// followed by an indented file:line.
	GetStack() string
}

// Represents a single stack frame.
type StackFrame struct {
	PC         uintptr
	FuncName   string
	File       string
	LineNumber int
}

type stackError struct {
	msg   string
	inner error

	stack       []uintptr
	framesOnce  sync.Once
	stackFrames []StackFrame
}

// This returns the error string without stack trace information.
func GetMessage(err interface{}) string {
	switch e := err.(type) {
	case StackError:
		return fullMessage(e, false)
	case error:
		return e.Error()
	default:
		return "Passed a non-error to GetMessage"
	}
}

func (e *stackError) Error() string {
	return fullMessage(e, true)
}

func (e *stackError) GetMessage() string {
	return e.msg
}

func (e *stackError) GetInner() error {
	return e.inner
}

// Unwrap lets the standard errors.Is / errors.As walk the chain.
func (e *stackError) Unwrap() error {
	return e.inner
}

func (e *stackError) StackFrames() []StackFrame {
	e.framesOnce.Do(func() {
		frames := runtime.CallersFrames(e.stack)
		e.stackFrames = make([]StackFrame, 0, len(e.stack))
		for {
			frame, more := frames.Next()
			e.stackFrames = append(e.stackFrames, StackFrame{
				PC:         frame.PC,
				FuncName:   frame.Function,
				File:       frame.File,
				LineNumber: frame.Line,
			})
			if !more {
				break
			}
		}
	})
	return e.stackFrames
}

func (e *stackError) GetStack() string {
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	for _, frame := range e.StackFrames() {
		_, _ = buf.WriteString(frame.FuncName)
		_, _ = buf.WriteString("\n")
		fmt.Fprintf(buf, "\t%s:%d +0x%x\n",
			frame.File, frame.LineNumber, frame.PC)
	}
	return buf.String()
}

// This returns a new error initialized with the given message and the
// current stack trace.
func New(msg string) StackError {
	return newError(nil, msg)
}

// Same as New, but with fmt.Printf-style parameters.
func Newf(format string, args ...interface{}) StackError {
	return newError(nil, fmt.Sprintf(format, args...))
}

// Wraps another error in a new StackError.
func Wrap(err error, msg string) StackError {
	return newError(err, msg)
}

// Same as Wrap, but with fmt.Printf-style parameters.
func Wrapf(err error, format string, args ...interface{}) StackError {
	return newError(err, fmt.Sprintf(format, args...))
}

// Must be called directly by the exported constructors; the skip count
// below hides both frames from the recorded stack.
func newError(err error, msg string) *stackError {
	stack := make([]uintptr, 200)
	stackLength := runtime.Callers(3, stack)
	return &stackError{
		msg:   msg,
		stack: stack[:stackLength],
		inner: err,
	}
}

// Joins the messages of every StackError in the chain, innermost plain
// error last. With includeStack the deepest StackError's stack is appended.
func fullMessage(e StackError, includeStack bool) string {
	var last StackError
	msg := bytes.NewBuffer(make([]byte, 0, 256))

	cur := e
	for {
		last = cur
		msg.WriteString(cur.GetMessage())

		inner := cur.GetInner()
		if inner == nil {
			break
		}
		next, ok := inner.(StackError)
		if !ok {
			msg.WriteString("\n")
			msg.WriteString(inner.Error())
			break
		}
		cur = next
		msg.WriteString("\n")
	}
	if includeStack {
		msg.WriteString("\nORIGINAL STACK TRACE:\n")
		msg.WriteString(last.GetStack())
	}
	return msg.String()
}

// Return a wrapped error or nil if there is none.
func unwrapError(ierr error) (nerr error) {
	if serr, ok := ierr.(StackError); ok {
		return serr.GetInner()
	}
	if u, ok := ierr.(interface{ Unwrap() error }); ok {
		return u.Unwrap()
	}

	// At this point, if anything goes wrong, just return nil.
	defer func() {
		if x := recover(); x != nil {
			nerr = nil
		}
	}()

	// Go system errors (os.PathError, net.OpError) expose an Err field.
	errV := reflect.ValueOf(ierr).Elem()
	errV = errV.FieldByName("Err")
	return errV.Interface().(error)
}

// Keep peeling away layers of context until a primitive error is revealed.
func RootError(ierr error) (nerr error) {
	nerr = ierr
	for i := 0; i < 20; i++ {
		terr := unwrapError(nerr)
		if terr == nil {
			return nerr
		}
		nerr = terr
	}
	return fmt.Errorf("too many iterations: %T", nerr)
}

// Reports whether err is errConst or, after unwrapping both down to their
// roots, carries the same message.
func IsError(err, errConst error) bool {
	if err == errConst {
		return true
	}
	cur := err
	for i := 0; i < 20 && cur != nil; i++ {
		if cur == errConst {
			return true
		}
		cur = unwrapError(cur)
	}
	// Must rely on string equivalence, otherwise a value is not equal
	// to its pointer value.
	rootErrStr := ""
	if rootErr := RootError(err); rootErr != nil {
		rootErrStr = GetMessage(rootErr)
	}
	errConstStr := ""
	if errConst != nil {
		errConstStr = GetMessage(RootError(errConst))
	}
	return rootErrStr == errConstStr
}

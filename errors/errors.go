// Package errors is a trimmed fork of `github.com/go-errors/errors` that adds
// status codes, public messages, and stack traces to errors raised by the
// authorization server.
//
// Codes use the gRPC vocabulary so that a single value can drive both the
// HTTP status of a response and the level at which a failure is logged:
//
//	var ErrLookup = errors.NewC("application lookup failed", codes.Internal)
//
//	func find(id string) error {
//		return errors.Mark(ErrLookup, 0).WithPublicMessage("server_error")
//	}
//
// Errors created with Mark keep satisfying errors.Is against the sentinel
// they were derived from.
package errors

import (
	baseErrors "errors"
	"fmt"
	"net/http"
	"reflect"
	"runtime"

	"google.golang.org/grpc/codes"
)

// The maximum number of stackframes on any error.
var MaxStackDepth = 50

// Error is an error with an attached stacktrace. It can be used
// wherever the builtin error interface is expected.
type Error struct {
	Err    error
	stack  []uintptr
	frames []StackFrame
	prefix string

	// Status code used to pick the HTTP response code and log level.
	code codes.Code

	// HTTP status code to associate with an error response.
	httpStatusCode int

	// Error message to return to client.
	publicMessage string
}

// New makes an Error from the given value. If that value is already an
// error then it will be used directly, if not, it will be passed to
// fmt.Errorf("%v"). The stacktrace will point to the line of code that
// called New.
func New(e interface{}) *Error {
	return newError(e, codes.Unknown, 1)
}

// NewC makes an Error with a status code defined.
func NewC(e interface{}, code codes.Code) *Error {
	return newError(e, code, 1)
}

func newError(e interface{}, code codes.Code, skip int) *Error {
	var err error

	switch e := e.(type) {
	case error:
		err = e
	default:
		err = fmt.Errorf("%v", e)
	}

	return &Error{
		Err:   err,
		stack: callers(3 + skip),
		code:  code,
	}
}

// Wrap makes an Error from the given value. If that value is already an
// error then it will be used directly, if not, it will be passed to
// fmt.Errorf("%v"). The skip parameter indicates how far up the stack
// to start the stacktrace. 0 is from the current call, 1 from its caller, etc.
func Wrap(e interface{}, skip int) *Error {
	if e == nil {
		return nil
	}

	var err error

	switch e := e.(type) {
	case *Error:
		return e
	case error:
		err = e
	default:
		err = fmt.Errorf("%v", e)
	}

	return &Error{
		Err:   err,
		stack: callers(3 + skip),
		code:  codes.Unknown,
	}
}

// MaybeWrap wraps e if it is non-nil, returning a nil error otherwise.
func MaybeWrap(e error, skip int) error {
	if e == nil {
		return nil
	}
	return Wrap(e, 1+skip)
}

// WrapPrefix makes an Error from the given value and prefixes its message.
// The skip parameter indicates how far up the stack to start the stacktrace.
func WrapPrefix(e interface{}, prefix string, skip int) *Error {
	if e == nil {
		return nil
	}

	err := Wrap(e, 1+skip)

	if err.prefix != "" {
		prefix = fmt.Sprintf("%s: %s", prefix, err.prefix)
	}

	return &Error{
		Err:            err.Err,
		stack:          err.stack,
		code:           err.code,
		httpStatusCode: err.httpStatusCode,
		publicMessage:  err.publicMessage,
		prefix:         prefix,
	}
}

// Mark takes an error and sets the stack trace from the point it was called,
// overriding any previous stack trace that may have been set. Use it to
// return package level sentinels with a useful trace.
func Mark(e interface{}, skip int) *Error {
	if e == nil {
		return nil
	}
	if err, ok := e.(*Error); ok {
		return &Error{
			Err:            err.Err,
			stack:          callers(3 + skip),
			code:           err.code,
			httpStatusCode: err.httpStatusCode,
			publicMessage:  err.publicMessage,
			prefix:         err.prefix,
		}
	}

	return Wrap(e, 1+skip)
}

// WithPublicMessage wraps err and attaches a message that is safe to show to
// clients.
func WithPublicMessage(err error, publicMessage string) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).WithPublicMessage(publicMessage)
}

// WithCode wraps err and sets its status code.
func WithCode(err error, code codes.Code) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).WithCode(code)
}

// WithHTTPStatusCode wraps err and sets an explicit HTTP status code,
// overriding the one mapped from the status code.
func WithHTTPStatusCode(err error, code int) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, 1).WithHTTPStatusCode(code)
}

// Errorf creates a new error with the given message. It supports %w.
func Errorf(format string, a ...interface{}) *Error {
	return Wrap(fmt.Errorf(format, a...), 1)
}

// Is reports whether any error in e's chain matches original. Unlike the
// standard library it also unwraps original, so a wrapped sentinel matches
// the bare one.
func Is(e error, original error) bool {
	if baseErrors.Is(e, original) {
		return true
	}
	if e, ok := e.(*Error); ok {
		return Is(e.Err, original)
	}
	if original, ok := original.(*Error); ok {
		return Is(e, original.Err)
	}
	return false
}

// As is a passthrough to the standard library.
func As(err error, target any) bool {
	return baseErrors.As(err, target)
}

// Error returns the underlying error's message.
func (err *Error) Error() string {
	msg := err.Err.Error()
	if err.prefix != "" {
		msg = fmt.Sprintf("%s: %s", err.prefix, msg)
	}
	return msg
}

// Is lets copies made by Mark and WrapPrefix match their source with the
// standard library's errors.Is.
func (err *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == err.Err
}

// MinimalStack returns up to size frames, starting at skip, formatted as
// "func (file:line)" entries. Suitable for log fields.
func (err *Error) MinimalStack(skip, size int) []string {
	frames := err.StackFrames()
	var out []string
	for i := skip; i < len(frames) && len(out) < size; i++ {
		out = append(out, frames[i].Short())
	}
	return out
}

// StackFrames returns an array of frames containing information about the
// stack.
func (err *Error) StackFrames() []StackFrame {
	if err.frames == nil {
		err.frames = make([]StackFrame, len(err.stack))

		for i, pc := range err.stack {
			err.frames[i] = NewStackFrame(pc)
		}
	}

	return err.frames
}

// TypeName returns the type of the underlying error, e.g. *errors.errorString.
func (err *Error) TypeName() string {
	if _, ok := err.Err.(uncaughtPanic); ok {
		return "panic"
	}
	return reflect.TypeOf(err.Err).String()
}

// Unwrap the error (implements api for As function).
func (err *Error) Unwrap() error {
	return err.Err
}

// Code returns the status code associated with the error.
func (err *Error) Code() codes.Code {
	return err.code
}

// WithCode sets the status code associated with the error.
func (err *Error) WithCode(code codes.Code) *Error {
	err.code = code
	return err
}

// HTTPStatusCode returns the HTTP status code that should be returned to the
// client. If a code is set, it will be used, otherwise a default will be
// returned based on the status code.
func (err *Error) HTTPStatusCode() int {
	if err.httpStatusCode != 0 {
		return err.httpStatusCode
	}
	switch err.code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// WithHTTPStatusCode sets the HTTP status code that should be returned to the
// client.
func (err *Error) WithHTTPStatusCode(code int) *Error {
	err.httpStatusCode = code
	return err
}

// PublicMessage returns the error string that should be returned to the client.
func (err *Error) PublicMessage() string {
	if err.publicMessage != "" {
		return err.publicMessage
	}
	return err.Error()
}

// WithPublicMessage sets the error string that should be returned to the client.
func (err *Error) WithPublicMessage(publicMessage string) *Error {
	err.publicMessage = publicMessage
	return err
}

// Code returns the status code for an error. If the error is nil, it returns
// codes.OK. If any error in the chain exposes a `Code()` method, it is
// returned. Otherwise codes.Unknown is returned.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var ce codedError
	if baseErrors.As(err, &ce) {
		return ce.Code()
	}
	return codes.Unknown
}

// HTTPStatusCode returns an HTTP status code for an error. If the error is nil,
// it returns http.StatusOK. If any error in the chain exposes a
// `HTTPStatusCode()` method, it is returned. Otherwise
// http.StatusInternalServerError is returned.
func HTTPStatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var he httpError
	if baseErrors.As(err, &he) {
		return he.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the client safe message of err, falling back to a
// generic message for errors that don't carry one.
func PublicMessage(err error) string {
	var e *Error
	if baseErrors.As(err, &e) {
		return e.PublicMessage()
	}
	return http.StatusText(http.StatusInternalServerError)
}

// OAuthCode returns the RFC 6749 error code for err, derived from its status
// code. Errors without a client side cause map to server_error.
func OAuthCode(err error) string {
	switch Code(err) {
	case codes.InvalidArgument, codes.OutOfRange, codes.NotFound, codes.FailedPrecondition:
		return "invalid_request"
	case codes.Unauthenticated:
		return "invalid_client"
	case codes.PermissionDenied:
		return "access_denied"
	case codes.Unavailable, codes.ResourceExhausted:
		return "temporarily_unavailable"
	}
	return "server_error"
}

type codedError interface {
	Code() codes.Code
}

type httpError interface {
	HTTPStatusCode() int
}

// uncaughtPanic marks errors created from recovered panics.
type uncaughtPanic struct {
	message string
}

func (p uncaughtPanic) Error() string {
	return p.message
}

// FromPanic converts a recovered value into an Error whose stack starts skip
// frames above the caller.
func FromPanic(r interface{}, skip int) *Error {
	if err, ok := r.(error); ok {
		return Wrap(err, 1+skip).WithCode(codes.Internal)
	}
	return &Error{
		Err:   uncaughtPanic{message: fmt.Sprintf("%v", r)},
		stack: callers(3 + skip),
		code:  codes.Internal,
	}
}

func callers(skip int) []uintptr {
	stack := make([]uintptr, MaxStackDepth)
	length := runtime.Callers(skip, stack)
	return stack[:length]
}

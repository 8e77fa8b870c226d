// Package zerr defines the dataplane's typed errors. Every error that can
// reach a KSYS_RET event carries a proto.Errno; everything else is wrapped
// with github.com/pkg/errors so call sites keep a stack trace in logs.
package zerr

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/ix-project/zygos/printer"
	"github.com/ix-project/zygos/proto"
)

// Error pairs a dataplane errno with an optional underlying cause.
type Error struct {
	Code  proto.Errno
	Cause error
}

func New(code proto.Errno, format string, args ...interface{}) *Error {
	var cause error
	if format != "" {
		cause = errors.New(fmt.Sprintf(format, args...))
	}
	return &Error{Code: code, Cause: cause}
}

func Wrap(code proto.Errno, cause error, msg string) *Error {
	return &Error{Code: code, Cause: errors.Wrap(cause, msg)}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Cause.Error())
}

// AsErrno recovers the wire errno from any error, defaulting to ErrFault for
// errors that did not originate in this package.
func AsErrno(err error) proto.Errno {
	if err == nil {
		return proto.ErrOK
	}
	var ze *Error
	if errors.As(err, &ze) {
		return ze.Code
	}
	return proto.ErrFault
}

// FatalHook is invoked by Fatal. It defaults to os.Exit(1) and is a variable
// so a caller can replace it (for example with a panic) to observe the
// unsupported-contract path without killing the process.
var FatalHook = func() { os.Exit(1) }

// Fatal logs and terminates the process. Used for descriptor kinds the
// underlying TCP core cannot support (REJECT, non-vectored SEND), per
// spec.md §4.4 item 8 and §7.
func Fatal(format string, args ...interface{}) {
	printer.Errorf(format+"\n", args...)
	FatalHook()
}

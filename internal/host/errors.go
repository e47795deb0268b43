package host

import (
	"fmt"

	"github.com/pkg/errors"
)

// panicToError turns a recovered panic into a traced error, matching the
// EXCEPT notification's (errKind, message, trace) triple — a
// module that panics is treated exactly like one that returned an error.
func panicToError(r interface{}) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "module panicked")
	}
	return errors.New(fmt.Sprintf("module panicked: %v", r))
}

// Trace renders a traced error's stack, if it has one, for the EXCEPT
// notification's trace field. Errors without a stack (e.g. a plain
// module.RejectError) render as just their message.
func Trace(err error) string {
	if err == nil {
		return ""
	}
	if _, ok := err.(interface{ StackTrace() errors.StackTrace }); ok {
		return fmt.Sprintf("%+v", err)
	}
	return err.Error()
}

// Package diag dumps diagnostic call stacks ahead of the handful of
// truly fatal panics spec.md §7 and §9 call for (missing MADT, zero
// calibration rate, IPI trampoline corruption): "exception-style panic
// remains for truly fatal conditions". Adapted from the teacher's
// caller/caller.go, trimmed to the parts useful outside its original
// duplicate-call-site detector.
package diag

import (
	"fmt"
	"runtime"
)

// Dump renders the call stack starting start frames up from Dump itself
// (start 0 is Dump's own frame, 1 its caller), one frame per line, and
// returns it as a string.
func Dump(start int) string {
	s := ""
	for i := start; ; i++ {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	return s
}

// Fatal prints why, a call-stack dump, and panics. Callers use it for
// the core's short list of unrecoverable conditions instead of a bare
// panic() so the operator always gets the call path that reached the
// fatal check.
func Fatal(why string) {
	fmt.Printf("FATAL: %s\n%s", why, Dump(2))
	panic(why)
}

package mirror

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `mirror` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - reconnects, stale streams, retry exhaustion
//     - dropped or malformed messages
// Error:
//     unrecoverable failures
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(1):
//     key lifecycle events with stream ids that can be used to filter
// V(2):
//     per item events - e.g. receive, flush, apply

const LogLevelKey = glog.Level(1)
const LogLevelItem = glog.Level(2)

type LogFunction func(string, ...any)

// a logger that prefixes every line with a bracketed tag, e.g. `[cs]01J...`
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s %s", tag, m))
		}
	}
}

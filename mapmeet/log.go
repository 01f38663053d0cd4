package mapmeet

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `mapmeet` package:
// Info:
//     abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time session setup
//     this includes:
//     - gateway, write and listener failures
//     - dropped fan-out writes
//     - completions dropped because their session ended
// Error:
//     unrecoverable crash details
// Debug:
//     key events with ids that can be used to filter
//     - diffs applied, writes issued, subscriptions opened and closed
// Trace:
//     frame level events on the realtime transport

const LogLevelInfo = glog.Level(0)
const LogLevelDebug = glog.Level(1)
const LogLevelTrace = glog.Level(2)

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

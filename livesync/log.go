package livesync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `livesync` package:
// Info:
//     abnormal but recoverable behavior. This level should be silent on normal operation.
//     this includes:
//     - channel dial, handshake and read failures
//     - snapshot and mutation failures
// Warning:
//     recovered panics from handlers registered by the host
// V(1):
//     lifecycle events with handle ids that can be used to filter
//     - mount, unmount, connect, register, disconnect
// V(2):
//     per message trace
//     - every applied channel event and every ping

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

func SubLogFn(level glog.Level, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}

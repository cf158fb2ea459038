// Package actuator drives the USB relay board that energizes the door strike.
//
// Every device has a single command queue consumed by one goroutine, so the
// byte sequences of concurrent callers never interleave on the serial line.
// Commands are never retried automatically: repeating an "open" could
// actuate the lock twice.
package actuator

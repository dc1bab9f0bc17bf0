// Package counter reads the device's cumulative network byte counters.
package counter

import "errors"

// ErrUnsupported is returned on platforms without a counter source.
var ErrUnsupported = errors.New("counter: no counter source on this platform")

// Source samples the device's cumulative transferred data in megabytes.
// The value only ever grows, except across a device reboot where the
// kernel counters start over from zero.
type Source interface {
	Sample() (float64, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func() (float64, error)

// Sample calls f.
func (f SourceFunc) Sample() (float64, error) { return f() }

const bytesPerMB = 1e6

//go:build !linux

package counter

// NewSource returns the platform counter source. Platforms without a
// readable byte counter get a source that always errors; the sampling loop
// logs and skips those polls.
func NewSource() Source {
	return SourceFunc(func() (float64, error) {
		return 0, ErrUnsupported
	})
}

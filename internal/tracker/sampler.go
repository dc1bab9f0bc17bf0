package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/coper101/datapill/internal/counter"
)

// Sampler drives the Calculator from a periodic counter poll. It is not a
// sync coordinator; it only feeds the local state that the today-sync later
// reconciles.
type Sampler struct {
	source   counter.Source
	calc     *Calculator
	interval time.Duration
	logger   *slog.Logger

	onSample func() // optional hook fired after each applied sample
}

// NewSampler creates a Sampler polling source at the given interval.
func NewSampler(source counter.Source, calc *Calculator, interval time.Duration, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		source:   source,
		calc:     calc,
		interval: interval,
		logger:   logger,
	}
}

// SetOnSample registers a callback invoked after every applied sample.
func (s *Sampler) SetOnSample(fn func()) {
	s.onSample = fn
}

// Run polls immediately, then at the configured interval until the context
// is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	s.logger.Info("Sampler started", "interval", s.interval)
	defer s.logger.Info("Sampler stopped")

	s.poll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.poll()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Sampler) poll() {
	total, err := s.source.Sample()
	if err != nil {
		s.logger.Error("Failed to read counter", "error", err)
		return
	}

	if err := s.calc.ApplyCounterSample(time.Now().UTC(), total); err != nil {
		s.logger.Error("Failed to apply counter sample", "error", err)
		return
	}

	if s.onSample != nil {
		s.onSample()
	}
}

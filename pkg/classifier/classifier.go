// Package classifier defines the learned vegetation classifier capability
// and the wrappers the pipeline uses around it.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/arnvptl/BlueLock/internal/models"
)

// ErrClassifierUnavailable is returned when the classifier could not be
// initialized. Callers fall back to the classical result. Failures of an
// initialized classifier are returned as they are.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// Classifier produces the probability that an image shows vegetation.
type Classifier interface {
	// Initialize prepares the model. It is called once before Classify.
	Initialize() error

	// Classify returns a probability in [0, 1]. It must be safe for
	// concurrent use after Initialize succeeded.
	Classify(img *models.RasterImage) (float64, error)
}

// Guarded wraps a Classifier with one-time, thread-safe initialization.
// A failed initialization is remembered and every later call reports
// ErrClassifierUnavailable instead of retrying.
type Guarded struct {
	inner Classifier

	once    sync.Once
	initErr error
}

// NewGuarded wraps inner. A nil inner is permanently unavailable.
func NewGuarded(inner Classifier) *Guarded {
	return &Guarded{inner: inner}
}

// Initialize runs the wrapped initialization exactly once.
func (g *Guarded) Initialize() error {
	g.once.Do(func() {
		if g.inner == nil {
			g.initErr = errors.New("no classifier configured")
			return
		}
		g.initErr = g.inner.Initialize()
	})

	if g.initErr != nil {
		return fmt.Errorf("%w: %v", ErrClassifierUnavailable, g.initErr)
	}
	return nil
}

// Available reports whether initialization succeeded, initializing if needed.
func (g *Guarded) Available() bool {
	return g.Initialize() == nil
}

// Classify initializes on first use and validates the returned probability.
// Only an initialization failure is reported as ErrClassifierUnavailable.
func (g *Guarded) Classify(img *models.RasterImage) (float64, error) {
	if err := g.Initialize(); err != nil {
		return 0, err
	}

	p, err := g.inner.Classify(img)
	if err != nil {
		return 0, fmt.Errorf("classification failed: %w", err)
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("classifier probability %v out of range", p)
	}
	return p, nil
}

// Constant is a Classifier that always returns the same probability. It
// stands in for a model in tests and offline runs.
type Constant struct {
	Probability float64
}

// Initialize never fails.
func (c Constant) Initialize() error { return nil }

// Classify returns c.Probability for any image.
func (c Constant) Classify(*models.RasterImage) (float64, error) {
	return c.Probability, nil
}

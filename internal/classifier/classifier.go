// Package classifier maps mouth measurements to a viseme by nearest
// archetype matching.
package classifier

import (
	"errors"
	"fmt"
	"math"

	"github.com/Northern-Necker/nauti-bouys-sub004/internal/landmarks"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/viseme"
)

// Config holds classifier tuning.
type Config struct {
	ConfidenceThreshold float32          // below this a result is flagged LowConfidence (default: 0.3)
	DistanceCeiling     float32          // weighted RMS distance mapped to zero confidence (default: 0.35)
	Weights             landmarks.Vector // per-feature distance weights
	Prototypes          []Prototype      // in tie-break priority order

	// Lips closed to within ClosureGap and pressed at least to
	// ClosureCompression are a bilabial closure whatever the jaw and
	// width are doing. ClosureGap 0 disables the rule.
	ClosureGap         float32 // default: 0.04
	ClosureCompression float32 // default: 0.7
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.3,
		DistanceCeiling:     0.35,
		Weights:             DefaultWeights(),
		Prototypes:          DefaultPrototypes(),
		ClosureGap:          0.04,
		ClosureCompression:  0.7,
	}
}

// closureFloor is the confidence of a barely qualifying closure.
const closureFloor = 0.75

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	threshold   float32
	ceiling     float32
	weights     landmarks.Vector
	weightTotal float32
	prototypes  []Prototype

	closureGap         float32
	closureCompression float32
}

// New validates cfg and builds a classifier.
func New(cfg Config) (*Classifier, error) {
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("confidence threshold %.3f outside [0,1]", cfg.ConfidenceThreshold)
	}
	if cfg.DistanceCeiling <= 0 {
		return nil, fmt.Errorf("distance ceiling must be positive, got %.3f", cfg.DistanceCeiling)
	}
	if len(cfg.Prototypes) == 0 {
		return nil, errors.New("no prototypes")
	}

	if cfg.ClosureGap < 0 || cfg.ClosureGap >= 1 {
		return nil, fmt.Errorf("closure gap %.3f outside [0,1)", cfg.ClosureGap)
	}
	if cfg.ClosureGap > 0 && (cfg.ClosureCompression <= 0 || cfg.ClosureCompression >= 1) {
		return nil, fmt.Errorf("closure compression %.3f outside (0,1)", cfg.ClosureCompression)
	}

	var total float32
	for i, w := range cfg.Weights {
		if w < 0 {
			return nil, fmt.Errorf("negative weight for %s", landmarks.Feature(i))
		}
		total += w
	}
	if total == 0 {
		return nil, errors.New("all feature weights are zero")
	}

	seen := make(map[viseme.Viseme]bool, len(cfg.Prototypes))
	for _, p := range cfg.Prototypes {
		if !p.Viseme.Valid() {
			return nil, fmt.Errorf("prototype for unknown viseme %q", p.Viseme)
		}
		if seen[p.Viseme] {
			return nil, fmt.Errorf("duplicate prototype for %s", p.Viseme)
		}
		seen[p.Viseme] = true
	}

	protos := make([]Prototype, len(cfg.Prototypes))
	copy(protos, cfg.Prototypes)

	return &Classifier{
		threshold:   cfg.ConfidenceThreshold,
		ceiling:     cfg.DistanceCeiling,
		weights:     cfg.Weights,
		weightTotal: total,
		prototypes:  protos,

		closureGap:         cfg.ClosureGap,
		closureCompression: cfg.ClosureCompression,
	}, nil
}

// Threshold returns the low-confidence threshold.
func (c *Classifier) Threshold() float32 {
	return c.threshold
}

// WithThreshold returns a copy of c using a different low-confidence
// threshold. Prototypes are shared; they are never mutated.
func (c *Classifier) WithThreshold(threshold float32) *Classifier {
	out := *c
	out.threshold = threshold
	return &out
}

// Classify picks the viseme whose prototype is nearest to m. Ties go to
// the prototype listed first. A bilabial closure overrides the nearest
// match. Placeholder measurements still produce a best guess but with
// zero confidence.
func (c *Classifier) Classify(m landmarks.Measurements) viseme.Classification {
	v := m.Clamped().Vector()

	best := 0
	bestDist := float32(math.MaxFloat32)
	for i, p := range c.prototypes {
		d := c.distance(v, p.Vector)
		if d < bestDist-tieEpsilon {
			best = i
			bestDist = d
		}
	}

	confidence := 1 - bestDist/c.ceiling
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	result := c.prototypes[best].Viseme
	if closed, ok := c.closure(v); ok {
		if result != viseme.PP || closed > confidence {
			confidence = closed
		}
		result = viseme.PP
	}
	if m.LowConfidence {
		confidence = 0
	}

	return viseme.Classification{
		Viseme:        result,
		Confidence:    confidence,
		Source:        viseme.SourceLandmark,
		LowConfidence: confidence < c.threshold,
	}
}

const tieEpsilon = 1e-6

// closure reports whether v is a bilabial closure and how firmly. The
// confidence runs from closureFloor at the thresholds to 1 for sealed,
// fully pressed lips.
func (c *Classifier) closure(v landmarks.Vector) (float32, bool) {
	if c.closureGap <= 0 {
		return 0, false
	}
	gap := v[landmarks.FeatureLipGap]
	press := v[landmarks.FeatureLipCompression]
	if gap > c.closureGap || press < c.closureCompression {
		return 0, false
	}
	strength := (1 - gap/c.closureGap) * (press - c.closureCompression) / (1 - c.closureCompression)
	return closureFloor + (1-closureFloor)*strength, true
}

// distance is the weighted RMS distance, which stays within [0,1] for
// vectors inside the unit hypercube.
func (c *Classifier) distance(a, b landmarks.Vector) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += c.weights[i] * d * d
	}
	return float32(math.Sqrt(float64(sum / c.weightTotal)))
}

package landmarks

import "fmt"

// Feature indexes a measurement inside Measurements.Vector.
type Feature int

const (
	FeatureLipGap Feature = iota
	FeatureMouthWidth
	FeatureJawOpening
	FeatureLipCompression
	FeatureRounding
	FeatureCount
)

var featureNames = [FeatureCount]string{
	"lipGap",
	"mouthWidth",
	"jawOpening",
	"lipCompression",
	"rounding",
}

func (f Feature) String() string {
	if f < 0 || f >= FeatureCount {
		return fmt.Sprintf("feature(%d)", int(f))
	}
	return featureNames[f]
}

// Vector is the fixed-order feature vector used by the classifier.
type Vector [FeatureCount]float32

// Measurements are the per-frame mouth scalars, each normalized to [0,1].
type Measurements struct {
	LipGap         float32 `json:"lip_gap"`
	MouthWidth     float32 `json:"mouth_width"`
	JawOpening     float32 `json:"jaw_opening"`
	LipCompression float32 `json:"lip_compression"`
	Rounding       float32 `json:"rounding"`

	// LowConfidence is set when the landmark set was malformed and the
	// scalars are placeholders.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// Uncertain returns the placeholder record for malformed input.
func Uncertain() Measurements {
	return Measurements{
		LipGap:         0.5,
		MouthWidth:     0.5,
		JawOpening:     0.5,
		LipCompression: 0.5,
		Rounding:       0.5,
		LowConfidence:  true,
	}
}

func (m Measurements) Vector() Vector {
	return Vector{m.LipGap, m.MouthWidth, m.JawOpening, m.LipCompression, m.Rounding}
}

// FromVector is the inverse of Vector. The result is never LowConfidence.
func FromVector(v Vector) Measurements {
	return Measurements{
		LipGap:         v[FeatureLipGap],
		MouthWidth:     v[FeatureMouthWidth],
		JawOpening:     v[FeatureJawOpening],
		LipCompression: v[FeatureLipCompression],
		Rounding:       v[FeatureRounding],
	}
}

// Clamped returns m with every scalar forced into [0,1].
func (m Measurements) Clamped() Measurements {
	v := m.Vector()
	for i := range v {
		v[i] = clamp01(v[i])
	}
	out := FromVector(v)
	out.LowConfidence = m.LowConfidence
	return out
}

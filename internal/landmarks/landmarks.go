// Package landmarks converts a face-mesh landmark set into the scalar mouth
// measurements the viseme analyzers work on.
//
// Indices follow the MediaPipe face mesh convention (468 points).
// See: https://github.com/google/mediapipe/blob/master/mediapipe/modules/face_geometry/data/canonical_face_model_uv_visualization.png
package landmarks

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// FaceMeshCount is the number of points the external detector produces.
const FaceMeshCount = 468

// Key face mesh indices.
const (
	UpperLipOuter = 0
	NoseTip       = 1
	Forehead      = 10
	UpperLipInner = 13
	LowerLipInner = 14
	LowerLipOuter = 17
	MouthLeft     = 61
	Chin          = 152
	CheekLeft     = 234
	MouthRight    = 291
	CheekRight    = 454
)

var keyPoints = []int{
	NoseTip, UpperLipOuter, Forehead, UpperLipInner, LowerLipInner,
	LowerLipOuter, MouthLeft, Chin, CheekLeft, MouthRight, CheekRight,
}

// Set is one frame of normalized landmark points. The caller owns it; the
// analyzers never keep a reference past a single call.
type Set []mgl32.Vec3

// Calibration ranges for mapping raw geometric ratios onto [0,1].
// Lip metrics are relative to cheek-to-cheek width, jaw opening is relative
// to forehead-to-nose height so that it does not move with the jaw itself.
const (
	lipGapMax       = 0.25
	mouthWidthMin   = 0.25
	mouthWidthSpan  = 0.40
	jawRatioClosed  = 0.80
	jawRatioSpan    = 0.60
	lipThicknessMax = 0.12
	lipThicknessMin = 0.02
	protrusionMax   = 0.08

	minScaleLength = 1e-6
)

// Valid reports whether s has the expected length and finite key points.
func (s Set) Valid() bool {
	if len(s) != FaceMeshCount {
		return false
	}
	for _, idx := range keyPoints {
		p := s[idx]
		for _, c := range p {
			f := float64(c)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
		}
	}
	return true
}

// Extract derives mouth measurements from a landmark set. It never fails:
// a malformed set yields mid-range measurements flagged LowConfidence.
func Extract(s Set) Measurements {
	if !s.Valid() {
		return Uncertain()
	}

	faceWidth := s[CheekLeft].Sub(s[CheekRight]).Len()
	upperFace := s[Forehead].Sub(s[NoseTip]).Len()
	if faceWidth < minScaleLength || upperFace < minScaleLength {
		return Uncertain()
	}

	gap := s[UpperLipInner].Sub(s[LowerLipInner]).Len() / faceWidth
	width := s[MouthLeft].Sub(s[MouthRight]).Len() / faceWidth
	jaw := s[NoseTip].Sub(s[Chin]).Len() / upperFace
	thickness := (s[UpperLipOuter].Sub(s[UpperLipInner]).Len() +
		s[LowerLipInner].Sub(s[LowerLipOuter]).Len()) / faceWidth

	cornerDepth := (s[MouthLeft].Z() + s[MouthRight].Z()) / 2
	lipDepth := (s[UpperLipOuter].Z() + s[LowerLipOuter].Z()) / 2
	protrusion := (cornerDepth - lipDepth) / faceWidth

	return Measurements{
		LipGap:         clamp01(gap / lipGapMax),
		MouthWidth:     clamp01((width - mouthWidthMin) / mouthWidthSpan),
		JawOpening:     clamp01((jaw - jawRatioClosed) / jawRatioSpan),
		LipCompression: clamp01((lipThicknessMax - thickness) / (lipThicknessMax - lipThicknessMin)),
		Rounding:       clamp01(protrusion / protrusionMax),
	}
}

func clamp01(v float32) float32 {
	if v != v {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

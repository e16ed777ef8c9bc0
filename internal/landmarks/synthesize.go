package landmarks

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Canonical face geometry used by Synthesize, in normalized frame units.
const (
	canonFaceWidth = 0.4
	canonCenterX   = 0.5
	canonCheekY    = 0.45
	canonForeheadY = 0.1
	canonNoseY     = 0.4
	canonMouthY    = 0.55
)

// Synthesize builds a full face-mesh landmark set whose extracted
// measurements equal m (up to float32 rounding). Points that do not take
// part in the mouth geometry are laid out on an ellipse around the face.
// It backs the deterministic stub detector and the bench command.
func Synthesize(m Measurements) Set {
	m = m.Clamped()
	s := make(Set, FaceMeshCount)

	for i := range s {
		a := 2 * math.Pi * float64(i) / FaceMeshCount
		s[i] = mgl32.Vec3{
			canonCenterX + float32(0.2*math.Cos(a)),
			canonCheekY + float32(0.35*math.Sin(a)),
			0,
		}
	}

	upperFace := float32(canonNoseY - canonForeheadY)
	s[Forehead] = mgl32.Vec3{canonCenterX, canonForeheadY, 0}
	s[NoseTip] = mgl32.Vec3{canonCenterX, canonNoseY, 0}
	s[Chin] = mgl32.Vec3{canonCenterX, canonNoseY + upperFace*(jawRatioClosed+jawRatioSpan*m.JawOpening), 0}
	s[CheekLeft] = mgl32.Vec3{canonCenterX - canonFaceWidth/2, canonCheekY, 0}
	s[CheekRight] = mgl32.Vec3{canonCenterX + canonFaceWidth/2, canonCheekY, 0}

	gap := m.LipGap * lipGapMax * canonFaceWidth
	thickness := (lipThicknessMax - (lipThicknessMax-lipThicknessMin)*m.LipCompression) * canonFaceWidth
	width := (mouthWidthMin + mouthWidthSpan*m.MouthWidth) * canonFaceWidth
	depth := -m.Rounding * protrusionMax * canonFaceWidth
	mouthY := float32(canonMouthY) + 0.06*m.JawOpening

	s[UpperLipInner] = mgl32.Vec3{canonCenterX, mouthY - gap/2, depth}
	s[LowerLipInner] = mgl32.Vec3{canonCenterX, mouthY + gap/2, depth}
	s[UpperLipOuter] = mgl32.Vec3{canonCenterX, mouthY - gap/2 - thickness/2, depth}
	s[LowerLipOuter] = mgl32.Vec3{canonCenterX, mouthY + gap/2 + thickness/2, depth}
	s[MouthLeft] = mgl32.Vec3{canonCenterX - width/2, mouthY, 0}
	s[MouthRight] = mgl32.Vec3{canonCenterX + width/2, mouthY, 0}

	return s
}

// Transform returns a copy of s scaled about the origin and then shifted.
func (s Set) Transform(scale float32, offset mgl32.Vec3) Set {
	out := make(Set, len(s))
	for i, p := range s {
		out[i] = p.Mul(scale).Add(offset)
	}
	return out
}

package classifier

import (
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/landmarks"
	"github.com/Northern-Necker/nauti-bouys-sub004/internal/viseme"
)

// Prototype is the archetypal mouth measurement vector for one viseme.
type Prototype struct {
	Viseme viseme.Viseme
	Vector landmarks.Vector
}

// DefaultPrototypes lists every classifiable viseme in tie-break priority
// order: closures and fricatives first, open vowels and silence last.
// Vector order: lipGap, mouthWidth, jawOpening, lipCompression, rounding.
func DefaultPrototypes() []Prototype {
	return []Prototype{
		{viseme.PP, landmarks.Vector{0.00, 0.45, 0.02, 0.95, 0.05}},
		{viseme.FF, landmarks.Vector{0.10, 0.50, 0.15, 0.60, 0.00}},
		{viseme.TH, landmarks.Vector{0.20, 0.50, 0.20, 0.35, 0.00}},
		{viseme.CH, landmarks.Vector{0.20, 0.30, 0.20, 0.30, 0.65}},
		{viseme.SS, landmarks.Vector{0.12, 0.70, 0.10, 0.40, 0.00}},
		{viseme.DD, landmarks.Vector{0.25, 0.55, 0.30, 0.20, 0.10}},
		{viseme.KK, landmarks.Vector{0.30, 0.55, 0.45, 0.20, 0.10}},
		{viseme.NN, landmarks.Vector{0.15, 0.50, 0.25, 0.25, 0.10}},
		{viseme.RR, landmarks.Vector{0.25, 0.35, 0.25, 0.25, 0.50}},
		{viseme.I, landmarks.Vector{0.30, 0.85, 0.20, 0.20, 0.00}},
		{viseme.E, landmarks.Vector{0.45, 0.70, 0.40, 0.15, 0.05}},
		{viseme.U, landmarks.Vector{0.15, 0.10, 0.20, 0.30, 0.90}},
		{viseme.O, landmarks.Vector{0.50, 0.30, 0.50, 0.15, 0.70}},
		{viseme.AA, landmarks.Vector{0.85, 0.60, 0.85, 0.05, 0.10}},
		{viseme.Sil, landmarks.Vector{0.00, 0.45, 0.05, 0.30, 0.10}},
	}
}

// DefaultWeights emphasise lip gap and compression, which separate the
// closures from each other better than width does.
func DefaultWeights() landmarks.Vector {
	return landmarks.Vector{1.5, 1.0, 1.0, 1.2, 1.0}
}

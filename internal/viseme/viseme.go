// Package viseme defines the closed set of mouth-shape categories and the
// per-frame classification value passed between the analyzers and the
// morph target engine.
package viseme

import "fmt"

type Viseme string

const (
	Sil     Viseme = "sil"
	PP      Viseme = "PP"
	FF      Viseme = "FF"
	TH      Viseme = "TH"
	DD      Viseme = "DD"
	KK      Viseme = "kk"
	CH      Viseme = "CH"
	SS      Viseme = "SS"
	NN      Viseme = "nn"
	RR      Viseme = "RR"
	AA      Viseme = "aa"
	E       Viseme = "E"
	I       Viseme = "I"
	O       Viseme = "O"
	U       Viseme = "U"
	Neutral Viseme = "neutral"
)

var all = []Viseme{Sil, PP, FF, TH, DD, KK, CH, SS, NN, RR, AA, E, I, O, U, Neutral}

// All returns every viseme in the closed set, silence first and neutral last.
func All() []Viseme {
	out := make([]Viseme, len(all))
	copy(out, all)
	return out
}

func (v Viseme) Valid() bool {
	for _, known := range all {
		if v == known {
			return true
		}
	}
	return false
}

// IsRest reports whether v is one of the two resting shapes.
func (v Viseme) IsRest() bool {
	return v == Sil || v == Neutral
}

func (v Viseme) String() string {
	return string(v)
}

// Parse accepts the canonical spelling of a viseme. Lower-case aliases
// used by several blend-shape exporters ("pp", "ou", "oh", "ih") are
// folded onto the closed set.
func Parse(s string) (Viseme, error) {
	if v := Viseme(s); v.Valid() {
		return v, nil
	}
	if v, ok := aliases[s]; ok {
		return v, nil
	}
	return "", fmt.Errorf("unknown viseme %q", s)
}

var aliases = map[string]Viseme{
	"silence": Sil,
	"pp":      PP,
	"ff":      FF,
	"th":      TH,
	"dd":      DD,
	"KK":      KK,
	"ch":      CH,
	"ss":      SS,
	"NN":      NN,
	"rr":      RR,
	"AA":      AA,
	"e":       E,
	"ih":      I,
	"i":       I,
	"oh":      O,
	"o":       O,
	"ou":      U,
	"u":       U,
}

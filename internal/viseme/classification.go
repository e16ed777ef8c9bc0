package viseme

// Source tags which analyzer produced a classification.
type Source string

const (
	SourceLandmark  Source = "landmark"
	SourceGeometric Source = "geometric"
)

// Classification is the per-frame analyzer output. It is consumed by the
// morph target engine in the same frame and never stored beyond the
// fallback's recency window.
type Classification struct {
	Viseme        Viseme  `json:"viseme"`
	Confidence    float32 `json:"confidence"` // 0-1
	Source        Source  `json:"source"`
	LowConfidence bool    `json:"low_confidence,omitempty"`
}

// Rest returns the classification used when nothing better is known.
func Rest(source Source) Classification {
	return Classification{Viseme: Neutral, Confidence: 0, Source: source, LowConfidence: true}
}

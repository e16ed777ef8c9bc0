package viseme

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAll_ClosedSet(t *testing.T) {
	set := All()
	require.Len(t, set, 16)
	assert.Equal(t, Sil, set[0])
	assert.Equal(t, Neutral, set[len(set)-1])

	seen := make(map[Viseme]bool)
	for _, v := range set {
		assert.True(t, v.Valid(), "%s should be valid", v)
		assert.False(t, seen[v], "duplicate %s", v)
		seen[v] = true
	}

	// callers get a copy
	set[0] = "bogus"
	assert.Equal(t, Sil, All()[0])
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Viseme
		wantErr bool
	}{
		{in: "PP", want: PP},
		{in: "pp", want: PP},
		{in: "kk", want: KK},
		{in: "KK", want: KK},
		{in: "oh", want: O},
		{in: "ou", want: U},
		{in: "neutral", want: Neutral},
		{in: "silence", want: Sil},
		{in: "zz", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsRest(t *testing.T) {
	assert.True(t, Sil.IsRest())
	assert.True(t, Neutral.IsRest())
	assert.False(t, AA.IsRest())
}

func TestRest(t *testing.T) {
	c := Rest(SourceGeometric)
	assert.Equal(t, Neutral, c.Viseme)
	assert.Equal(t, SourceGeometric, c.Source)
	assert.True(t, c.LowConfidence)
}

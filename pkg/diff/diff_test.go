package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pairs = []struct {
	name string
	a, b string
}{
	{"append", "hello", "hello world"},
	{"prepend", "world", "hello world"},
	{"replace middle", "the quick brown fox", "the slow brown fox"},
	{"delete all", "everything", ""},
	{"from empty", "", "created from nothing"},
	{"multiline", "line one\nline two\nline three\n", "line one\nline 2\nline three\nline four\n"},
	{"identical", "same", "same"},
}

func TestApplyRecoversTarget(t *testing.T) {
	for _, p := range pairs {
		t.Run(p.name, func(t *testing.T) {
			d := Extract(p.a, p.b)
			got, err := Apply(p.a, d)
			require.NoError(t, err)
			assert.Equal(t, p.b, got)
		})
	}
}

func TestUndoRecoversOriginal(t *testing.T) {
	for _, p := range pairs {
		t.Run(p.name, func(t *testing.T) {
			d := Extract(p.a, p.b)
			got, err := Undo(p.b, d)
			require.NoError(t, err)
			assert.Equal(t, p.a, got)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := Extract("the quick brown fox", "the slow brown fox jumps")
	decoded, err := Decode(Encode(d))
	require.NoError(t, err)

	got, err := Apply("the quick brown fox", decoded)
	require.NoError(t, err)
	assert.Equal(t, "the slow brown fox jumps", got)
}

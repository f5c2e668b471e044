package adc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"plain",
		"has space",
		"trailing\\",
		"line\nbreak",
		`back\slash`,
		"mix \\s \n end",
	}
	for _, s := range cases {
		assert.Equal(t, s, Unescape(Escape(s)), "round trip for %q", s)
	}
}

func TestUnescapeLegacyBackslashSpace(t *testing.T) {
	require.Equal(t, "a b", Unescape(`a\ b`))
}

func TestEscapeNoOpWhenClean(t *testing.T) {
	s := "nothingtoescape"
	require.Equal(t, s, Escape(s))
}

func TestSplitJoinTokens(t *testing.T) {
	in := []string{"AN", `quick\sbrown`, "NO"}
	joined := joinTokens(in)
	out := splitTokens(joined)
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i], out[i], "token %d", i)
	}
}

package querykey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeStable(t *testing.T) {
	q := `*[_type == "post" && slug.current == $slug][0]`
	a := Make(q, map[string]any{"slug": "hello", "limit": 3})
	b := Make(q, map[string]any{"limit": 3, "slug": "hello"})
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(a, Prefix))
}

func TestMakeDistinguishesParams(t *testing.T) {
	q := `*[_type == "post" && slug.current == $slug][0]`
	cases := []map[string]any{
		nil,
		{"slug": "hello"},
		{"slug": "world"},
		{"slug": "hello", "extra": true},
		{"slug": []any{"hello"}},
	}
	seen := map[string]int{}
	for i, p := range cases {
		k := Make(q, p)
		if j, ok := seen[k]; ok {
			t.Fatalf("params %d and %d collide: %v vs %v", j, i, cases[j], p)
		}
		seen[k] = i
	}
}

func TestMakeSeparatesQueryFromParams(t *testing.T) {
	joined := Make(`*[_type=="post"]{"slug":"x"}`, nil)
	split := Make(`*[_type=="post"]`, map[string]any{"slug": "x"})
	require.NotEqual(t, joined, split)
}

func TestMakeEmptyParamsEqualNil(t *testing.T) {
	require.Equal(t, Make("*", nil), Make("*", map[string]any{}))
	require.NotEqual(t, Make("*", nil), Make("*[0]", nil))
}

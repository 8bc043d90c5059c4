package sandbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func jsonValue(depth int) *rapid.Generator[any] {
	gens := []*rapid.Generator[any]{
		rapid.Just[any](nil),
		rapid.Map(rapid.Bool(), func(b bool) any { return b }),
		rapid.Map(rapid.IntRange(-1<<31, 1<<31), func(i int) any { return i }),
		rapid.Map(rapid.String(), func(s string) any { return s }),
	}
	if depth > 0 {
		gens = append(gens,
			rapid.Map(rapid.SliceOfN(jsonValue(depth-1), 0, 4), func(v []any) any { return v }),
			rapid.Map(rapid.MapOfN(rapid.StringMatching(`[a-z]{1,6}`), jsonValue(depth-1), 0, 4),
				func(m map[string]any) any { return m }),
		)
	}
	return rapid.OneOf(gens...)
}

// A script whose value is representable in JSON comes back as that value.
func TestEvaluateRoundTrip(t *testing.T) {
	for _, engine := range []EngineKind{EngineV8, EngineGoja} {
		t.Run(string(engine), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Engine = engine
			sb, err := New(cfg)
			require.NoError(t, err)
			defer sb.Close()

			rapid.Check(t, func(rt *rapid.T) {
				literal, err := json.Marshal(jsonValue(2).Draw(rt, "value"))
				require.NoError(rt, err)

				out, err := sb.Evaluate(context.Background(), "("+string(literal)+")")
				require.NoError(rt, err)

				var want, got any
				require.NoError(rt, json.Unmarshal(literal, &want))
				require.NoError(rt, json.Unmarshal([]byte(out), &got))
				require.Equal(rt, want, got)
			})
		})
	}
}

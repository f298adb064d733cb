package message

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// anyType is the reflect.Type of the empty interface.
var anyType = reflect.TypeOf((*any)(nil)).Elem()

// asAny widens a generator result's declared type to `any`. gopter's Map
// cannot target `any` directly (a mapper returning interface{} is treated
// as returning *gopter.GenResult), so this mirrors what a type-changing
// value Map produces: the same value typed as `any`, sieve and shrinker
// dropped.
func asAny(r *gopter.GenResult) *gopter.GenResult {
	value, _ := r.Retrieve()
	return &gopter.GenResult{
		Shrinker:   gopter.NoShrinker,
		Result:     value,
		Labels:     r.Labels,
		ResultType: anyType,
	}
}

// genValue produces arbitrary serialisable payload values: scalars, arrays
// and objects up to a small depth, mirroring what user flows put on the wire.
// Every branch is mapped to `any` so composite generators stay homogeneous.
func genValue(depth int) gopter.Gen {
	scalars := gen.OneGenOf(
		gen.AlphaString().Map(asAny),
		gen.Float64Range(-1e6, 1e6).Map(asAny),
		gen.Bool().Map(asAny),
	)
	if depth <= 0 {
		return scalars
	}
	return gen.OneGenOf(
		scalars,
		gen.SliceOfN(3, genValue(depth-1)).Map(asAny),
		gen.MapOf(gen.AlphaString(), genValue(depth-1)).Map(asAny),
	)
}

// Clone must produce a structurally equal value that shares no mutable
// sub-objects with the original.
func TestClonePropertyEqualButDisjoint(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("clone equals original", prop.ForAll(
		func(payload any) bool {
			m := New("topic", payload)
			c := m.Clone()
			return reflect.DeepEqual(m.Payload, c.Payload) && m.ID == c.ID
		},
		genValue(3),
	))

	properties.Property("mutating the clone leaves the original intact", prop.ForAll(
		func(m map[string]any) bool {
			orig := New("", m)
			snapshot := CopyValue(m)
			c := orig.Clone()
			if cm, ok := c.Payload.(map[string]any); ok {
				for k := range cm {
					cm[k] = "overwritten"
				}
				cm["mutated"] = "yes"
			}
			return reflect.DeepEqual(orig.Payload, snapshot)
		},
		gen.MapOf(gen.AlphaString(), genValue(2)),
	))

	properties.TestingRun(t)
}

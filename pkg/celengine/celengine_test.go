package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	attrs := map[string]interface{}{
		"points":       int64(120),
		"tokens_total": int64(4),
		"stage":        "sprout",
	}
	env, err := GetOrBuildEnv(attrs)
	require.NoError(t, err)

	ok, err := Evaluate(env, `points >= 100 && stage == "sprout"`, attrs)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Evaluate(env, `tokens_total > 10`, attrs)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnvCacheSeparatesShapes(t *testing.T) {
	a := map[string]interface{}{"points": int64(1)}
	b := map[string]interface{}{"stage": "seedling"}

	envA, err := GetOrBuildEnv(a)
	require.NoError(t, err)
	envB, err := GetOrBuildEnv(b)
	require.NoError(t, err)

	require.NoError(t, ValidateExpression(envA, "points > 0"))
	require.NoError(t, ValidateExpression(envB, `stage == "seedling"`))
	require.Error(t, ValidateExpression(envB, "points > 0"))
}

func TestEvaluateNonBool(t *testing.T) {
	attrs := map[string]interface{}{"points": int64(3)}
	env, err := GetOrBuildEnv(attrs)
	require.NoError(t, err)

	_, err = Evaluate(env, "points + 1", attrs)
	require.Error(t, err)
}

func TestStructToMap(t *testing.T) {
	m := StructToMap(struct {
		Name string `json:"name"`
	}{Name: "x"})
	require.Equal(t, "x", m["name"])
	require.Empty(t, StructToMap(nil))
}

package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBareTokens(t *testing.T) {
	for s, kind := range map[string]Kind{
		"network": KindNetwork,
		"timer":   KindTimer,
		"storage": KindStorage,
		"cache":   KindCache,
	} {
		g, err := Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, kind, g.Kind)
	}
}

func TestParseCallForm(t *testing.T) {
	g, err := Parse("call:exchange-rates:convert")
	require.NoError(t, err)
	assert.Equal(t, KindCall, g.Kind)
	assert.Equal(t, "exchange-rates", g.Target)
	assert.Equal(t, "convert", g.Method)
}

func TestParseRejectsUnknownForms(t *testing.T) {
	for _, s := range []string{"", "net", "call:", "call:x", "call:x:", "call::m", "fs:read"} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
}

func TestCheckerHasAndCall(t *testing.T) {
	c := NewChecker()
	grants, err := ParseAll([]string{"network", "call:exchange-rates:convert"})
	require.NoError(t, err)
	c.Register("openai-usage", grants)

	assert.True(t, c.Has("openai-usage", KindNetwork))
	assert.False(t, c.Has("openai-usage", KindTimer))
	assert.True(t, c.AllowsCall("openai-usage", "exchange-rates", "convert"))
	assert.False(t, c.AllowsCall("openai-usage", "exchange-rates", "delete"))
	assert.False(t, c.AllowsCall("openai-usage", "other", "convert"))
	assert.False(t, c.AllowsCall("ghost", "exchange-rates", "convert"))
}

func TestCheckerWildcardMethod(t *testing.T) {
	c := NewChecker()
	c.Register("a", []Grant{{Kind: KindCall, Target: "b", Method: "*"}})
	assert.True(t, c.AllowsCall("a", "b", "anything"))
}

func TestUnregisterRevokes(t *testing.T) {
	c := NewChecker()
	c.Register("a", []Grant{{Kind: KindNetwork}})
	c.Unregister("a")
	assert.False(t, c.Has("a", KindNetwork))
}

func TestAllowsCallSync(t *testing.T) {
	c := NewChecker()
	c.Register("a", []Grant{{Kind: KindCall, Target: "b", Method: "m"}})
	ok, err := c.AllowsCallSync("a", "b", "m")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowsCallSyncContention(t *testing.T) {
	c := NewChecker()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.AllowsCallSync("a", "b", "m")
	assert.ErrorIs(t, err, ErrLockContention)
}

package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformSortsKeys(t *testing.T) {
	out, err := Transform([]byte(`{"b":1,"a":2,"aa":3}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"aa":3,"b":1}`, string(out))
}

func TestTransformStripsWhitespace(t *testing.T) {
	out, err := Transform([]byte("{\n  \"x\" : [ 1 , 2 ,\t3 ]\n}"))
	require.NoError(t, err)
	assert.Equal(t, `{"x":[1,2,3]}`, string(out))
}

func TestTransformNumbers(t *testing.T) {
	cases := map[string]string{
		`1.0`:      `1`,
		`-0`:       `0`,
		`1.50`:     `1.5`,
		`1e2`:      `100`,
		`0.000001`: `0.000001`,
		`1e21`:     `1e+21`,
		`1e-7`:     `1e-7`,
		`333333333.33333329`: `333333333.3333333`,
	}
	for in, want := range cases {
		out, err := Transform([]byte(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, string(out), in)
	}
}

func TestTransformStringEscapes(t *testing.T) {
	out, err := Transform([]byte("\"a\\u0008b\\u0001c\\u00e9\""))
	require.NoError(t, err)
	assert.Equal(t, "\"a\\bb\\u0001cé\"", string(out))
}

func TestTransformRejectsTrailingData(t *testing.T) {
	_, err := Transform([]byte(`{} {}`))
	assert.Error(t, err)
}

func TestMarshalStruct(t *testing.T) {
	type m struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	}
	out, err := Marshal(m{Name: "x", ID: "y"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"y","name":"x"}`, string(out))
}

func TestRoundTripIdempotent(t *testing.T) {
	in := []byte(`{"z":{"k":[true,null,1.0,"é"]},"a":"A"}`)
	first, err := Transform(in)
	require.NoError(t, err)
	second, err := Transform(first)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

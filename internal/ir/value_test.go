package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestIRObject_JSONRoundTrip(t *testing.T) {
	obj := Obj(
		O("rank", IRString("Captain")),
		O("occurred_at", IRInt(1700000000000)),
		O("correction", IRBool(true)),
		O("roles", IRArray{IRString("Captain")}),
	)

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"correction":true,"occurred_at":1700000000000,"rank":"Captain","roles":["Captain"]}`, string(data))

	var back IRObject
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, obj, back)
}

func TestUnmarshalIRValue_RejectsFloats(t *testing.T) {
	_, err := UnmarshalIRValue([]byte(`{"n":1.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-integer")
}

func TestUnmarshalIRValue_RejectsNull(t *testing.T) {
	_, err := UnmarshalIRValue([]byte(`{"n":null}`))
	require.Error(t, err)
}

func TestFromAny_YAML(t *testing.T) {
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal([]byte("rank: Recruit\ncount: 3\nok: true\n"), &raw))

	v, err := FromAny(raw)
	require.NoError(t, err)
	assert.Equal(t, IRObject{
		"rank":  IRString("Recruit"),
		"count": IRInt(3),
		"ok":    IRBool(true),
	}, v)
}

func TestIRObject_Accessors(t *testing.T) {
	obj := Obj(O("rank", IRString("Chief")), O("until", IRInt(42)))

	assert.Equal(t, "Chief", obj.String("rank"))
	assert.Equal(t, "", obj.String("until"))
	assert.Equal(t, int64(42), obj.Int("until"))
	assert.Equal(t, int64(0), obj.Int("missing"))
}

func TestIRObject_CloneIsIndependent(t *testing.T) {
	obj := Obj(O("rank", IRString("Chief")))
	c := obj.Clone()
	c["rank"] = IRString("Recruit")
	assert.Equal(t, "Chief", obj.String("rank"))
	assert.Nil(t, IRObject(nil).Clone())
}

package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRange(t *testing.T) {
	r := StreamRange{Start: 0, End: 4999999, TotalSize: 10000000}
	assert.Equal(t, int64(5000000), r.Length())
	assert.Equal(t, "bytes 0-4999999/10000000", r.ContentRange())
	assert.False(t, r.Covers())

	full := StreamRange{Start: 0, End: 9, TotalSize: 10}
	assert.True(t, full.Covers())
}

func TestResolvedPath_Leaf(t *testing.T) {
	assert.Nil(t, ResolvedPath{}.Leaf())

	p := ResolvedPath{{Name: "Public"}, {Name: "Sub"}}
	require.NotNil(t, p.Leaf())
	assert.Equal(t, "Sub", p.Leaf().Name)
}

func TestProtectionState_JSON(t *testing.T) {
	data, err := json.Marshal(ProtectionState{Unlocked: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"protectedContainerIndex":null,"unlocked":true}`, string(data))

	idx := 0
	data, err = json.Marshal(ProtectionState{ProtectedContainerIndex: &idx, ContainerPath: "/Public"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"protectedContainerIndex":0,"unlocked":false,"containerPath":"/Public"}`, string(data))
}

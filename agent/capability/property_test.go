package capability

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Torque", "torque"},
		{"TorqueRange", "torque"},
		{"torqueContainer", "torque"},
		{"DiameterListFixed", "diameter"},
		{" Speed_Range ", "speed"},
		{"Range", "range"},
		{"ProductId", "productid"},
		{"torque_range", "torque"},
		{"torque-list", "torque"},
		{"Orange", "orange"},
		{"Arrange", "arrange"},
		{"Stufflist", "stufflist"},
		{"Axis2Range", "axis2"},
		{"_Range", "_range"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeKey(tt.in))
		})
	}
}

func TestNormalizeKey_SuffixInsideWordDoesNotCollide(t *testing.T) {
	assert.NotEqual(t, NormalizeKey("Orange"), NormalizeKey("O"))
	assert.NotEqual(t, NormalizeKey("Arrange"), NormalizeKey("Ar"))
	assert.Equal(t, NormalizeKey("Torque"), NormalizeKey("TorqueRange"))
}

func TestNewDescriptor_Kinds(t *testing.T) {
	v, err := NewValue("c1", "Torque", "45", WithValueType("double"))
	require.NoError(t, err)
	assert.Equal(t, KindValue, v.Kind())
	assert.Equal(t, "45", v.Value())
	assert.True(t, v.IsNumeric())
	assert.False(t, v.IsWildcard())

	r, err := NewRange("c1", "TorqueRange", "10", "")
	require.NoError(t, err)
	min, max := r.Bounds()
	assert.Equal(t, "10", min)
	assert.Equal(t, "", max)
	assert.Equal(t, "torque", r.Key())

	l, err := NewList("c1", "Material", []string{"steel", "*"})
	require.NoError(t, err)
	assert.True(t, l.IsWildcard())
	assert.Equal(t, []string{"steel", "*"}, l.Values())
}

func TestNewDescriptor_Invalid(t *testing.T) {
	_, err := NewDescriptor(DescriptorSpec{Kind: KindValue, Value: "1"})
	assert.True(t, errors.Is(err, ErrInvalidDescriptor))

	_, err = NewRange("c", "Speed", "slow", "10")
	assert.True(t, errors.Is(err, ErrInvalidDescriptor))

	_, err = NewDescriptor(DescriptorSpec{ElementKey: "x", Kind: "Matrix"})
	assert.True(t, errors.Is(err, ErrInvalidDescriptor))
}

func TestDescriptor_ValuesIsCopy(t *testing.T) {
	l, err := NewList("c1", "Material", []string{"steel"})
	require.NoError(t, err)
	vals := l.Values()
	vals[0] = "wood"
	assert.Equal(t, []string{"steel"}, l.Values())
}

func TestDescriptor_JSONRoundTrip(t *testing.T) {
	src := `{"containerId":"c9","elementKey":"SpeedRange","kind":"Range","min":"1","max":"5","valueType":"double"}`
	var d PropertyDescriptor
	require.NoError(t, json.Unmarshal([]byte(src), &d))
	assert.Equal(t, "speed", d.Key())
	assert.Equal(t, "[1..5]", d.Payload())

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, src, string(out))
}

func TestDescriptor_KindInferred(t *testing.T) {
	var d PropertyDescriptor
	require.NoError(t, json.Unmarshal([]byte(`{"elementKey":"Color","values":["red","blue"]}`), &d))
	assert.Equal(t, KindList, d.Kind())
}

func TestDescriptor_IdentityText(t *testing.T) {
	d := MustValue("c", "Torque", "45", WithSemanticID("0173-1#02-AAA"), WithValueType("double"), WithComment("tightening torque"))
	assert.Equal(t, "Torque | 0173-1#02-AAA | double | tightening torque", d.IdentityText())
}

func TestStorageConstraint(t *testing.T) {
	s := StorageConstraint{Condition: ConditionPre, TargetStation: "Storage1", ProductID: "*"}
	assert.True(t, s.HasWildcardProduct())
	assert.Equal(t, PlacementBefore, s.Placement())

	s.Condition = ConditionPost
	assert.Equal(t, PlacementAfter, s.Placement())
	assert.Equal(t, "post", s.Placement().Tag())

	cs := &ConstraintSet{Storage: []StorageConstraint{{Condition: ConditionPre}, s}}
	first := cs.FirstStorage()
	require.NotNil(t, first)
	first.ProductID = "P-1"
	assert.Equal(t, "P-1", cs.Storage[1].ProductID)

	clone := cs.Clone()
	clone.Storage[1].ProductID = "P-2"
	assert.Equal(t, "P-1", cs.Storage[1].ProductID)
}

func TestOffer_TotalCostAndTransport(t *testing.T) {
	o := Offer{
		Cost: 10,
		Transport: []Offer{
			{Cost: 2, Placement: "pre"},
			{Cost: 3, Placement: "post"},
		},
	}
	assert.InDelta(t, 15.0, o.TotalCost(), 1e-9)
	assert.Len(t, o.TransportFor(PlacementBefore), 1)
	assert.Len(t, o.TransportFor(PlacementAfter), 1)
}

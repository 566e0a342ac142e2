package factory

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/ledger"
)

func TestParsePolicy_Tiered(t *testing.T) {
	f := NewPolicyFactory()

	// GIVEN: The preset three-tier document
	p, err := f.ParsePolicy(TieredPolicyJSON("economy-flex", "Economy Flex"))

	// THEN: All tiers are parsed
	require.NoError(t, err)
	assert.Equal(t, "economy-flex", p.ID)
	assert.Equal(t, "Economy Flex", p.Name)
	require.Len(t, p.Rules, 3)
	assert.Equal(t, 24, p.Rules[0].HoursBeforeDeparture)
	assert.True(t, decimal.NewFromInt(100).Equal(p.Rules[0].PenaltyPercentage))
}

func TestParsePolicy_StringPercentages(t *testing.T) {
	f := NewPolicyFactory()

	p, err := f.ParsePolicy(`{"id":"p","rules":[{"hours_before_departure":6,"penalty_percentage":"12.5"}]}`)

	require.NoError(t, err)
	assert.Equal(t, "p", p.Name, "name defaults to id")
	assert.True(t, decimal.RequireFromString("12.5").Equal(p.Rules[0].PenaltyPercentage))
}

func TestParsePolicy_Validation(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"id":`},
		{"missing id", `{"rules":[]}`},
		{"blank id", `{"id":"  "}`},
		{"unknown field", `{"id":"p","tiers":[]}`},
		{"negative hours", `{"id":"p","rules":[{"hours_before_departure":-1,"penalty_percentage":10}]}`},
		{"percent above 100", `{"id":"p","rules":[{"hours_before_departure":1,"penalty_percentage":100.5}]}`},
		{"negative percent", `{"id":"p","rules":[{"hours_before_departure":1,"penalty_percentage":-1}]}`},
		{"duplicate threshold", `{"id":"p","rules":[
			{"hours_before_departure":2,"penalty_percentage":10},
			{"hours_before_departure":2,"penalty_percentage":20}]}`},
	}

	f := NewPolicyFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParsePolicy(tt.json)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestToJSON_SortsTiers(t *testing.T) {
	f := NewPolicyFactory()
	p, err := f.ParsePolicy(TieredPolicyJSON("p", "P"))
	require.NoError(t, err)

	pj := ToJSON(p)
	require.Len(t, pj.Rules, 3)
	assert.Equal(t, 2, pj.Rules[0].HoursBeforeDeparture)
	assert.Equal(t, 24, pj.Rules[2].HoursBeforeDeparture)

	// The rendered document parses back to the same tiers
	raw, err := json.Marshal(pj)
	require.NoError(t, err)
	back, err := f.ParsePolicy(string(raw))
	require.NoError(t, err)
	assert.Equal(t, p.SortedRules()[1].HoursBeforeDeparture, back.Rules[1].HoursBeforeDeparture)
	assert.True(t, p.SortedRules()[1].PenaltyPercentage.Equal(back.Rules[1].PenaltyPercentage))
}

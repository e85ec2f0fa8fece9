package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Amount
		wantErr bool
	}{
		{"400", 40000, false},
		{"4.00", 400, false},
		{"0.5", 50, false},
		{"-12.34", -1234, false},
		{"1.230", 123, false},
		{"1.234", 0, true},
		{"", 0, true},
		{"abc", 0, true},
		{"1.2.3", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "-400.00", Amount(-40000).String())
	assert.Equal(t, "0.05", Amount(5).String())
	assert.Equal(t, "0.00", Zero.String())
}

func TestAddOverflow(t *testing.T) {
	_, err := Add(Amount(1<<62), Amount(1<<62))
	assert.ErrorIs(t, err, ErrOverflow)

	v, err := Sub(100, 250)
	require.NoError(t, err)
	assert.Equal(t, Amount(-150), v)
}

func TestPercent(t *testing.T) {
	// 2% of 123.45 = 2.469 -> 2.47
	assert.Equal(t, Amount(247), Percent(12345, decimal.NewFromInt(2)))
}

func TestUnmarshalJSON(t *testing.T) {
	var body struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":-400,"b":"12.50"}`), &body))
	assert.Equal(t, Amount(-400), body.A)
	assert.Equal(t, Amount(1250), body.B)

	assert.Error(t, json.Unmarshal([]byte(`{"a":1.5}`), &body))
}

func TestNormalizeCurrency(t *testing.T) {
	c, err := NormalizeCurrency(" aud ")
	require.NoError(t, err)
	assert.Equal(t, "AUD", c)

	_, err = NormalizeCurrency("A1D")
	assert.Error(t, err)
}

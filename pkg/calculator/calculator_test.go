package calculator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siplinehq/sipline/pkg/calculator"
)

func TestDetectIntent(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"bare expression", "5 + 3", true},
		{"compact expression", "12*4", true},
		{"word trigger with numbers", "what is 5 plus 3", true},
		{"calculate trigger", "calculate 10 divided by 2", true},
		{"numbers without trigger", "I bought 3 tumblers", false},
		{"trigger without numbers", "calculate something for me", false},
		{"plain question", "where is the nearest outlet", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := calculator.DetectIntent(tt.text)
			assert.Equal(t, tt.want, got, "reason: %s", reason)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestExtractExpression(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"bare", "5 + 3", "5 + 3", true},
		{"embedded", "I need a tumbler for 5 + 3 people", "5 + 3", true},
		{"word operators", "what is 5 plus 3", "5 + 3", true},
		{"divided by", "what is 100 divided by 4", "100 / 4", true},
		{"power words", "2 to the power of 10", "2 ** 10", true},
		{"compact", "12*4+1", "12 * 4 + 1", true},
		{"parenthesized", "(2 + 3) * 4", "( 2 + 3 ) * 4", true},
		{"clipped paren", "what is (2 + 3", "( 2 + 3 )", true},
		{"nothing", "show me tumblers", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := calculator.ExtractExpression(tt.text)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"5 + 3", 8},
		{"10 - 4 - 3", 3},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"100 / 4", 25},
		{"10 % 3", 1},
		{"2 ** 10", 1024},
		{"2 ** 3 ** 2", 512},
		{"-2 ** 2", -4},
		{"2 ** -1", 0.5},
		{"-5 + 3", -2},
		{"1.5 * 2", 3},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := calculator.Evaluate(tt.expr)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	tests := []struct {
		name string
		expr string
		kind calculator.ErrorKind
	}{
		{"divide by zero", "100 / 0", calculator.ErrorDivideByZero},
		{"modulo by zero", "5 % 0", calculator.ErrorDivideByZero},
		{"invalid chars", "5 + x", calculator.ErrorInvalidChars},
		{"dangling operator", "5 +", calculator.ErrorSyntax},
		{"double dot", "1.2.3 + 1", calculator.ErrorSyntax},
		{"unclosed paren", "(5 + 3", calculator.ErrorSyntax},
		{"overflow", "10 ** 1000", calculator.ErrorOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := calculator.Calculate(tt.expr)
			require.False(t, result.OK)
			assert.Equal(t, tt.kind, result.ErrorKind)
			assert.Nil(t, result.Value)
			assert.NotEmpty(t, result.ErrorMessage)
		})
	}
}

func TestParseAndCalculate(t *testing.T) {
	result := calculator.ParseAndCalculate("what is 5 plus 3")
	require.True(t, result.OK)
	require.NotNil(t, result.Value)
	assert.Equal(t, "5 + 3", result.Expression)
	assert.Equal(t, float64(8), *result.Value)
	assert.Equal(t, "5 + 3 = 8", result.Formatted)

	result = calculator.ParseAndCalculate("what is 100 divided by 0")
	require.False(t, result.OK)
	assert.Equal(t, calculator.ErrorDivideByZero, result.ErrorKind)
	assert.Nil(t, result.Value)

	result = calculator.ParseAndCalculate("tell me about tumblers")
	require.False(t, result.OK)
	assert.Equal(t, calculator.ErrorNoExpression, result.ErrorKind)
}

func TestCalculateRoundTrip(t *testing.T) {
	// Evaluating the formatted value of a result reproduces the result.
	for _, expr := range []string{"5 + 3", "10 / 4", "2 ** 10", "7 % 3"} {
		first := calculator.Calculate(expr)
		require.True(t, first.OK)
		second := calculator.Calculate(calculator.FormatValue(*first.Value))
		require.True(t, second.OK)
		assert.Equal(t, *first.Value, *second.Value)
	}
}

func TestValueRounding(t *testing.T) {
	result := calculator.Calculate("10 / 3")
	require.True(t, result.OK)
	assert.Equal(t, 3.333333, *result.Value)
	assert.Equal(t, "10 / 3 = 3.333333", result.Formatted)
}

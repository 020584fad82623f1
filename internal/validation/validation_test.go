package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0x8e601797f52AECD270484151Cc39C4074e0E861E", true},
		{"0xC9C401E0094B2d3d796Ed074b023551038b84F07", true},
		{"8e601797f52AECD270484151Cc39C4074e0E861E", false},
		{"0x8e60", false},
		{"0xZZ601797f52AECD270484151Cc39C4074e0E861E", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidEthAddress(tt.addr), tt.addr)
	}
}

func TestIsValidTxHash(t *testing.T) {
	valid := "0x" + strings.Repeat("ab", 32)
	assert.True(t, IsValidTxHash(valid))
	assert.False(t, IsValidTxHash("0xab"))
	assert.False(t, IsValidTxHash(strings.Repeat("ab", 33)))
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"100.50", true},
		{"1", true},
		{"0.000001", true},
		{"0", false},
		{"0.000", false},
		{"1.2.3", false},
		{".5", false},
		{"5.", false},
		{"-1", false},
		{"abc", false},
	}

	for _, tt := range tests {
		errs := Validate(ValidAmount("amount", tt.value))
		if tt.ok {
			assert.Empty(t, errs, tt.value)
		} else {
			assert.NotEmpty(t, errs, tt.value)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	assert.Equal(t, "0xabc", SanitizeAddress("  0xABC "))
	assert.Equal(t,
		"0x8e601797f52aecd270484151cc39c4074e0e861e",
		SanitizeAddress("8e601797f52AECD270484151Cc39C4074e0E861E"))
}

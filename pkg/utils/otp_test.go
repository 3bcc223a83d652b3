package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidOTPCode(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"1234", true},
		{"0000", true},
		{"123", false},
		{"12345", false},
		{"12a4", false},
		{" 123", false},
		{"", false},
		{"١٢٣٤", false}, // non-ASCII digits
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsValidOTPCode(tc.code), "code %q", tc.code)
	}
}

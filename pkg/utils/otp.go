package utils

import (
	"time"
)

const (
	OTPExpiration = 15 * time.Minute
	OTPLength     = 4
)

// IsValidOTPCode checks the customer code is exactly four ASCII digits
func IsValidOTPCode(code string) bool {
	if len(code) != OTPLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

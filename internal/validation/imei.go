package validation

import "strings"

const imeiLength = 15

// IMEIState tracks the IMEI check of a wizard session. Only IMEIValid lets the
// device step be completed.
type IMEIState string

const (
	IMEIUnchecked IMEIState = "unchecked"
	IMEIChecking  IMEIState = "checking"
	IMEIValid     IMEIState = "valid"
	IMEIInvalid   IMEIState = "invalid"
)

// ValidIMEI reports whether s is exactly 15 ASCII digits with a Luhn
// checksum divisible by 10.
func ValidIMEI(s string) bool {
	if len(s) != imeiLength {
		return false
	}

	sum := 0
	for i := 0; i < imeiLength; i++ {
		c := s[imeiLength-1-i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

// CheckIMEI runs the check and returns the terminal state.
func CheckIMEI(s string) IMEIState {
	if ValidIMEI(s) {
		return IMEIValid
	}
	return IMEIInvalid
}

// NormalizeIMEI drops the separators operators commonly type or scan
// ("35-209900-176148-1", "35 209900 176148 1").
func NormalizeIMEI(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '/':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

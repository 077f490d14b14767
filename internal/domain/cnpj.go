package domain

import "fmt"

// CanonicalizeCNPJ strips every non-digit character and validates the result
// is exactly 14 digits. Leading zeros are preserved.
func CanonicalizeCNPJ(raw string) (string, error) {
	buf := make([]byte, 0, 14)
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			buf = append(buf, c)
		}
	}
	if len(buf) != 14 {
		return "", fmt.Errorf("%w: expected 14 digits, got %d", ErrInvalidCNPJ, len(buf))
	}
	return string(buf), nil
}

// Package orgnr validates Swedish organisation numbers.
package orgnr

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var ErrInvalid = errors.New("invalid organisation number")

// Normalize accepts NNNNNN-NNNN, NNNNNNNNNN or a twelve digit form with a
// century prefix and returns NNNNNN-NNNN when the Luhn check digit matches.
func Normalize(input string) (string, error) {
	digits := make([]byte, 0, 12)
	for i, r := range strings.TrimSpace(input) {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, byte(r))
		case (r == '-' || r == '+') && i > 0:
		default:
			return "", ErrInvalid
		}
	}
	switch len(digits) {
	case 10:
	case 12:
		digits = digits[2:]
	default:
		return "", ErrInvalid
	}
	if !luhn(digits) {
		return "", ErrInvalid
	}
	return string(digits[:6]) + "-" + string(digits[6:]), nil
}

func Valid(input string) bool {
	_, err := Normalize(input)
	return err == nil
}

func luhn(digits []byte) bool {
	sum := 0
	for i, d := range digits {
		n := int(d - '0')
		if i%2 == 0 {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
	}
	return sum%10 == 0
}

// Rule is an ozzo-validation rule; empty values pass so it composes with validation.Required.
var Rule = validation.By(func(value any) error {
	s, ok := value.(string)
	if !ok {
		if p, isPtr := value.(*string); isPtr && p != nil {
			s = *p
		} else if isPtr {
			return nil
		} else {
			return validation.NewError("validation_orgnr_type", "must be a string")
		}
	}
	if s == "" {
		return nil
	}
	if !Valid(s) {
		return validation.NewError("validation_orgnr_invalid", "must be a valid organisation number")
	}
	return nil
})

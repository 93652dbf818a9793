// Package validation содержит функции валидации входных данных.
package validation

import "regexp"

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// IsValidEmail проверяет формат адреса электронной почты.
func IsValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// IsValidCode проверяет формат одноразового кода: ровно шесть цифр,
// первая в диапазоне 1–9.
func IsValidCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	if code[0] < '1' || code[0] > '9' {
		return false
	}
	for i := 1; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

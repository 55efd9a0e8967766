package access

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var rutPattern = regexp.MustCompile(`^\d{7,8}-[\dkK]$`)

// NormalizeRUT strips dots and whitespace and upper-cases the check digit.
func NormalizeRUT(rut string) string {
	replacer := strings.NewReplacer(".", "", " ", "", "\t", "")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(rut)))
}

func ValidateRUT(rut string) bool {
	return rutPattern.MatchString(NormalizeRUT(rut))
}

// RegisterValidations adds the "rut" tag to v.
func RegisterValidations(v *validator.Validate) error {
	return v.RegisterValidation("rut", func(fl validator.FieldLevel) bool {
		return ValidateRUT(fl.Field().String())
	})
}

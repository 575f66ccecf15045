package httpx

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationFields flattens validator errors into a field -> rule map.
// It returns nil when err is not a validator.ValidationErrors.
func ValidationFields(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, fieldErr := range verrs {
		rule := fieldErr.Tag()
		if param := fieldErr.Param(); param != "" {
			rule += "=" + param
		}
		fields[strings.ToLower(fieldErr.Field())] = rule
	}
	return fields
}

package common

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// ValidateStruct checks v against its validate struct tags.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}

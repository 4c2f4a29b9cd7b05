// Package validation checks request geometry against backend constraints.
package validation

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/seantiz/canvas/internal/apperrors"
	"github.com/seantiz/canvas/internal/model"
)

// Dimension bounds in pixels.
const (
	MinDimension = 64
	MaxDimension = 2048
)

// Field names reported in errors.
const (
	FieldWidth  = "width"
	FieldHeight = "height"
)

// Failure reasons.
const (
	ReasonEmpty           = "empty"
	ReasonLessThanMinimum = "less_than_minimum"
	ReasonBiggerThanMax   = "bigger_than_maximum"
	ReasonNotDivisibleBy8 = "not_divisible_by_8"
	ReasonUnexpected      = "unexpected"
)

const dimensionTag = "required,min=64,max=2048,multiple_of_8"

var tagReasons = map[string]string{
	"required":      ReasonEmpty,
	"min":           ReasonLessThanMinimum,
	"max":           ReasonBiggerThanMax,
	"multiple_of_8": ReasonNotDivisibleBy8,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("multiple_of_8", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%8 == 0
	}); err != nil {
		panic(err)
	}
	return v
}

// FieldError is an Invalid(field, reason) result.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Err converts the field error into the ValidationError of the taxonomy.
func (f FieldError) Err() error {
	return apperrors.Validation(f.Field, f.Reason)
}

// Dimension validates one dimension. It returns nil when the value is Ok.
func Dimension(field string, value int) *FieldError {
	err := validate.Var(value, dimensionTag)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if reason, ok := tagReasons[verrs[0].Tag()]; ok {
			return &FieldError{Field: field, Reason: reason}
		}
	}
	return &FieldError{Field: field, Reason: ReasonUnexpected}
}

// Validate checks width and height independently and returns every Invalid
// field, width first. An empty result means the geometry is Ok.
func Validate(g model.Geometry) []FieldError {
	var errs []FieldError
	if fe := Dimension(FieldWidth, g.Width); fe != nil {
		errs = append(errs, *fe)
	}
	if fe := Dimension(FieldHeight, g.Height); fe != nil {
		errs = append(errs, *fe)
	}
	return errs
}

package httpx

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldErrors maps JSON field names to validation messages.
type FieldErrors map[string]string

// ValidationProblem extends ProblemDetail with per-field errors.
type ValidationProblem struct {
	ProblemDetail
	Errors FieldErrors `json:"errors"`
}

// NewValidator returns a validator reporting JSON field names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate runs struct validation and flattens the result. It returns nil
// when target is valid.
func Validate(v *validator.Validate, target any) FieldErrors {
	err := v.Struct(target)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return FieldErrors{"_": err.Error()}
	}
	out := make(FieldErrors, len(verrs))
	for _, fieldErr := range verrs {
		out[fieldErr.Field()] = fieldErr.Tag()
	}
	return out
}

// DecodeAndValidate decodes the JSON body into target and validates it,
// writing a problem response and returning false on failure.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, v *validator.Validate, target any) bool {
	if err := DecodeJSON(w, r, target); err != nil {
		Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return false
	}
	if fields := Validate(v, target); fields != nil {
		RespondValidation(w, fields)
		return false
	}
	return true
}

// RespondValidation writes a 422 listing the failing fields.
func RespondValidation(w http.ResponseWriter, fields FieldErrors) {
	JSON(w, http.StatusUnprocessableEntity, ValidationProblem{
		ProblemDetail: ProblemDetail{Title: "Validation Failed", Status: http.StatusUnprocessableEntity},
		Errors:        fields,
	})
}

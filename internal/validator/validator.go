package validator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	playground "github.com/go-playground/validator/v10"
)

var (
	ErrInvalidEmail   = errors.New("invalid email")
	ErrInvalidTagCode = errors.New("invalid tag code")
	ErrInvalidPIN     = errors.New("invalid pin")
)

var (
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	codeRegex     = regexp.MustCompile(`^[A-Za-z0-9]{3,32}$`)
	pinRegex      = regexp.MustCompile(`^[0-9]{4,6}$`)
	currencyRegex = regexp.MustCompile(`^[A-Za-z]{3}$`)
)

func ValidateEmail(email string) error {
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateTagCode accepts the short alphanumeric codes printed on tags and
// outlet stickers. Case is normalised by the caller.
func ValidateTagCode(code string) error {
	if !codeRegex.MatchString(code) {
		return ErrInvalidTagCode
	}
	return nil
}

func ValidatePIN(pin string) error {
	if !pinRegex.MatchString(pin) {
		return ErrInvalidPIN
	}
	return nil
}

var validate = newValidate()

func newValidate() *playground.Validate {
	v := playground.New(playground.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	register := func(tag string, re *regexp.Regexp) {
		_ = v.RegisterValidation(tag, func(fl playground.FieldLevel) bool {
			return re.MatchString(fl.Field().String())
		})
	}
	register("code", codeRegex)
	register("pin", pinRegex)
	register("currency", currencyRegex)
	return v
}

// FieldErrors maps a request field, by its JSON name, to the rule it broke.
type FieldErrors map[string]string

func (e FieldErrors) Error() string {
	parts := make([]string, 0, len(e))
	for field, rule := range e {
		parts = append(parts, field+": "+rule)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Struct checks the validate tags on a request body.
func Struct(value any) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}
	var invalid playground.ValidationErrors
	if !errors.As(err, &invalid) {
		return err
	}
	fields := FieldErrors{}
	for _, fe := range invalid {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule = fmt.Sprintf("%s=%s", rule, fe.Param())
		}
		fields[fe.Field()] = rule
	}
	return fields
}

package web

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"

	"agenda/internal/model"
)

// custom validation tags
const (
	clockTag = "hhmm"
	dateTag  = "civildate"
)

type validation struct {
	v     *validator.Validate
	trans ut.Translator
}

func newValidation() *validation {
	v := validator.New()

	english := en.New()
	uni := ut.New(english, english)
	trans, _ := uni.GetTranslator("en")
	_ = enTranslations.RegisterDefaultTranslations(v, trans)

	// Report JSON field names rather than Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(clockTag, func(fl validator.FieldLevel) bool {
		_, _, err := model.ParseClock(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation(dateTag, func(fl validator.FieldLevel) bool {
		_, err := model.ParseDate(fl.Field().String())
		return err == nil
	})

	// The default translations are already registered, so a noop register
	// func is enough for the custom tags.
	noop := func(ut.Translator) error { return nil }
	for _, tag := range []string{clockTag, dateTag} {
		_ = v.RegisterTranslation(tag, trans, noop, translateCustom)
	}

	return &validation{v: v, trans: trans}
}

func translateCustom(_ ut.Translator, fe validator.FieldError) string {
	switch fe.Tag() {
	case clockTag:
		return fe.Field() + " must be a 24h HH:MM time"
	case dateTag:
		return fe.Field() + " must be a YYYY-MM-DD date"
	default:
		return fe.Field() + " is invalid"
	}
}

// ValidationError carries per-field messages keyed by JSON name.
type ValidationError struct {
	Err    string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string { return e.Err }

// Struct validates v and returns a *ValidationError on failure.
func (val *validation) Struct(v any) error {
	err := val.v.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = fe.Translate(val.trans)
	}
	return &ValidationError{Err: "validation failed", Fields: fields}
}

// fieldPath drops the top-level struct name from the namespace, so nested
// batch fields read like "updates[0].patch.time".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, verr)
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

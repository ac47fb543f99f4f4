// Package serrors provides coded errors shared across packages.
package serrors

import "fmt"

// BaseError is an error with a stable machine-readable code.
type BaseError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	LocaleKey    string `json:"locale_key,omitempty"`
	TemplateData map[string]string
}

func NewError(code, message, localeKey string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		LocaleKey: localeKey,
	}
}

func (e *BaseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// WithTemplateData returns a copy of e carrying data. The copy matches e via errors.Is.
func (e *BaseError) WithTemplateData(data map[string]string) *BaseError {
	cp := *e
	cp.TemplateData = data
	return &cp
}

// Is matches by code so copies produced by WithTemplateData still match the sentinel.
func (e *BaseError) Is(target error) bool {
	t, ok := target.(*BaseError)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func NewFieldRequiredError(field, localeKey string) *BaseError {
	return NewError(
		"FIELD_REQUIRED",
		fmt.Sprintf("%s is required", field),
		localeKey,
	).WithTemplateData(map[string]string{"field": field})
}

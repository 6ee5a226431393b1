package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FormatValidationError 格式化请求绑定/校验错误信息
func FormatValidationError(err error) string {
	if err == nil {
		return ""
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatFieldError(e))
		}
		return strings.Join(messages, "; ")
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("field '%s' should be %s", typeErr.Field, typeErr.Type.String())
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return "invalid JSON format"
	}

	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		return fmt.Sprintf("value '%s' is not a valid number", numErr.Num)
	}

	return err.Error()
}

func formatFieldError(e validator.FieldError) string {
	field := e.Field()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", field)
	case "required_without":
		return fmt.Sprintf("field '%s' is required when '%s' is empty", field, e.Param())
	case "max":
		return fmt.Sprintf("field '%s' must be at most %s", field, e.Param())
	case "min":
		return fmt.Sprintf("field '%s' must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("field '%s' must be a valid URL", field)
	case "gte":
		return fmt.Sprintf("field '%s' must be greater than or equal to %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("field '%s' must be less than or equal to %s", field, e.Param())
	default:
		return fmt.Sprintf("field '%s' validation failed on '%s' tag", field, e.Tag())
	}
}

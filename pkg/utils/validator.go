package utils

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// fieldMessages 校验 tag 对应的提示, %[1]s 为字段名, %[2]s 为 tag 参数
var fieldMessages = map[string]string{
	"required": "field '%[1]s' is required",
	"min":      "field '%[1]s' must be at least %[2]s",
	"max":      "field '%[1]s' must be at most %[2]s",
	"oneof":    "field '%[1]s' must be one of: %[2]s",
}

// RegisterJSONFieldNames 让校验错误使用 json/form tag 中的字段名
func RegisterJSONFieldNames() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, key := range []string{"json", "form", "uri"} {
			name := strings.SplitN(f.Tag.Get(key), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})
}

// FormatValidationError 将绑定错误转换为面向调用方的说明
func FormatValidationError(err error) string {
	if err == nil {
		return ""
	}

	var (
		fieldErrs validator.ValidationErrors
		typeErr   *json.UnmarshalTypeError
		syntaxErr *json.SyntaxError
	)
	switch {
	case stderrors.As(err, &fieldErrs):
		messages := make([]string, 0, len(fieldErrs))
		for _, e := range fieldErrs {
			messages = append(messages, formatFieldError(e))
		}
		return strings.Join(messages, "; ")
	case stderrors.As(err, &typeErr):
		return fmt.Sprintf("field '%s' should be %s", typeErr.Field, typeErr.Type)
	case stderrors.As(err, &syntaxErr):
		return "invalid JSON format"
	}
	return err.Error()
}

func formatFieldError(e validator.FieldError) string {
	if tmpl, ok := fieldMessages[e.Tag()]; ok {
		return fmt.Sprintf(tmpl, e.Field(), e.Param())
	}
	return fmt.Sprintf("field '%s' validation failed on '%s'", e.Field(), e.Tag())
}

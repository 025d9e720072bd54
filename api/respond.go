package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/chxlky/orba/internal/auth"
	"github.com/chxlky/orba/internal/board"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// requestError is a client mistake reported verbatim with 400.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// planLimitError is returned when a free account hits a plan limit.
type planLimitError struct {
	limit int
}

func (e *planLimitError) Error() string {
	return fmt.Sprintf("The free plan is limited to %d projects. Upgrade to Pro to create more.", e.limit)
}

func respondError(c *gin.Context, err error) {
	var reqErr *requestError
	var limitErr *planLimitError
	switch {
	case errors.As(err, &reqErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": reqErr.msg})
	case errors.As(err, &limitErr):
		c.JSON(http.StatusForbidden, gin.H{"error": limitErr.Error()})
	case errors.Is(err, board.ErrNotFound), errors.Is(err, auth.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, board.ErrConflict), errors.Is(err, gorm.ErrDuplicatedKey):
		c.JSON(http.StatusConflict, gin.H{"error": "A record with these values already exists"})
	case errors.Is(err, auth.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "An account with this email already exists"})
	case errors.Is(err, board.ErrLastColumn):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot delete the last column of a project"})
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
	case errors.Is(err, auth.ErrInvalidToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or expired reset token"})
	default:
		zap.L().Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// bind decodes a JSON body strictly, rejecting unknown fields, and runs the
// binding tag validations.
func bind(c *gin.Context, dst any) error {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &verrs):
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		return badRequest("%s", strings.Join(msgs, "; "))
	case errors.Is(err, io.EOF):
		return badRequest("Request body is required")
	case errors.As(err, &syntaxErr):
		return badRequest("Malformed JSON body")
	case errors.As(err, &typeErr):
		return badRequest("Field %s has the wrong type", typeErr.Field)
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		return badRequest("Unknown field %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
	}
	return badRequest("Invalid request body")
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "url":
		return field + " must be a valid URL"
	case "hexcolor":
		return field + " must be a hex color"
	case "singleline":
		return field + " must not contain line breaks"
	}
	return field + " is invalid"
}

// singleLine rejects values that would break out of an email header.
func singleLine(fl validator.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), "\r\n")
}

// jsonFieldName makes validation messages use the JSON field names.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

// optionalTime tells an absent field apart from an explicit null.
type optionalTime struct {
	Set   bool
	Value *time.Time
}

func (o *optionalTime) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.Value = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	o.Value = &t
	return nil
}

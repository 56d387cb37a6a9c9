// Package validation checks request input before it reaches a service.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/freightbay/freightbay/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxIDLength bounds user, job and contract identifiers.
const MaxIDLength = 64

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every rejected field of a request.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Rule checks a single field and returns nil when it is acceptable.
type Rule func() *FieldError

// Validate runs every rule and returns the failures in order.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// IsValidID reports whether id is 1-64 ASCII letters, digits, '_' or '-'
// and starts with a letter or digit.
func IsValidID(id string) bool {
	if id == "" || len(id) > MaxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case (c == '_' || c == '-') && i > 0:
		default:
			return false
		}
	}
	return true
}

// Required rejects blank values.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID rejects malformed identifiers. Empty values pass; combine with
// Required when the field is mandatory.
func ValidID(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidID(value) {
			return &FieldError{Field: field, Message: "must be 1-64 letters, digits, '_' or '-'"}
		}
		return nil
	}
}

// MaxLength rejects values longer than n bytes.
func MaxLength(field, value string, n int) Rule {
	return func() *FieldError {
		if len(value) > n {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount rejects anything but a positive amount with at most two
// decimal places. Empty values pass.
func ValidAmount(field, value string) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if _, err := money.Normalize(value); err != nil {
			return &FieldError{Field: field, Message: "invalid amount format"}
		}
		if !money.IsPositive(value) {
			return &FieldError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// RequestSizeMiddleware rejects bodies larger than maxSize. Declared
// lengths are refused up front; chunked bodies fail on read.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "Request body exceeds the size limit",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParamMiddleware rejects requests whose :id path parameter is malformed.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be 1-64 letters, digits, '_' or '-'",
			})
			return
		}
		c.Next()
	}
}

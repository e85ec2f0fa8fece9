// Package validation provides input validation helpers and middleware for
// the ledger API.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditledger/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields such as
// dispute notes.
const MaxStringLength = 4000

// MaxIdempotencyKeyLength bounds caller-supplied idempotency keys.
const MaxIdempotencyKeyLength = 255

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is an acceptable entity identifier: generated
// ids like acct_3f2a... and uuids both qualify.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// IsValidIdempotencyKey accepts printable ASCII without spaces, as used by
// keys like order:123 or payment:evt_1.
func IsValidIdempotencyKey(s string) bool {
	if s == "" || len(s) > MaxIdempotencyKeyLength {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || r == ' ' {
			return false
		}
	}
	return true
}

// SanitizeString trims whitespace, limits length and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidIdempotencyKey checks key format. Empty values pass; use Required.
func ValidIdempotencyKey(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || IsValidIdempotencyKey(value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be 1-255 printable ASCII characters without spaces"}
	}
}

// ValidCurrency checks an ISO 4217 style code. Empty values pass.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := money.NormalizeCurrency(value); err != nil {
			return &ValidationError{Field: field, Message: "must be a 3-letter currency code"}
		}
		return nil
	}
}

// ValidAmount checks that a decimal string is a positive amount in major
// units. Empty values pass.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		a, err := money.Parse(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !a.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed values in the named URL parameters
// before any store lookup happens.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": p + " is not a valid identifier",
				})
				return
			}
		}
		c.Next()
	}
}

// Respond writes errs as a 400 with per-field details.
func Respond(c *gin.Context, errs ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": errs.Error(),
		"fields":  errs,
	})
}

// Package validation provides input validation for the escrowmirror API.
package validation

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Action and open
// requests are a handful of fields.
const MaxRequestSize = 64 << 10

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress reports whether addr is 0x followed by 40 hex chars.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// SanitizeAddress trims and lower-cases an address, adding a missing 0x
// prefix to a bare 40-char hex string.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// ChecksumAddress renders addr in EIP-55 mixed case. Invalid input is
// returned unchanged.
func ChecksumAddress(addr string) string {
	if !IsValidEthAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
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

// Validate runs validators and collects their errors.
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

// ValidAddress checks an optional address field.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(SanitizeAddress(value)) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// ValidBaseUnits checks that value is a positive integer amount in token
// base units. Decimals are rejected; the ledger never sees fractions.
func ValidBaseUnits(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		v, ok := new(big.Int).SetString(value, 10)
		if !ok {
			return &ValidationError{Field: field, Message: "must be an integer amount in base units"}
		}
		if v.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// Bps checks a basis-point value in [0, 10000].
func Bps(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 || value > 10000 {
			return &ValidationError{Field: field, Message: "must be between 0 and 10000"}
		}
		return nil
	}
}

// EscrowParamMiddleware rejects a malformed :id URL parameter early.
func EscrowParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidEthAddress(SanitizeAddress(id)) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_escrow_id",
				"message": "escrow id must be an address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

package services

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/StudioEly/koomy-saas2-sub001/internal/models"
)

const claimCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeGenerator produces a candidate claim code
type CodeGenerator func() (string, error)

// GenerateClaimCode returns 8 characters drawn uniformly from A-Z0-9
func GenerateClaimCode() (string, error) {
	alphabetLen := big.NewInt(int64(len(claimCodeAlphabet)))
	code := make([]byte, models.ClaimCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		code[i] = claimCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// NormalizeClaimCode strips everything but letters and digits and upper-cases the rest.
// "abcd-1234", "ABCD 1234" and "ABCD1234" all normalize to "ABCD1234".
func NormalizeClaimCode(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Clock abstracts time for claim timestamps and member id years
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC
type SystemClock struct{}

// Now returns the current UTC time
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

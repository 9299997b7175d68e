package util

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

var shortCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func NotBlank(value string) bool {
	return strings.TrimSpace(value) != ""
}

func GenerateUUID() uuid.UUID {
	return uuid.New()
}

// GenerateShortCode produces a join code for a group.
func GenerateShortCode(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = shortCodeCharset[rand.Intn(len(shortCodeCharset))]
	}
	return string(b)
}

// FormatMeters renders a distance for display: meters below 1 km,
// two-decimal kilometers above.
func FormatMeters(m float64) string {
	if m < 1000 {
		return fmt.Sprintf("%.0f m", m)
	}
	return fmt.Sprintf("%.2f km", m/1000)
}

package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID generates a random hex ID of 2*n characters.
func GenerateID(n int) string {
	if n <= 0 {
		n = 16
	}
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// RunID returns a short identifier used to name the regions of one run.
func RunID() string {
	return "sp" + GenerateID(6)
}

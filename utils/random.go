package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

func GenerateCode(n int) (string, error) {
	// Make a slice of n random bytes.
	byt := make([]byte, n)

	// Read into the slice.
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}

	// Return the hexadecimal string.
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// GenerateTxRef returns a fresh transaction reference for a payment
// attempt. Collisions are caught by the unique index on payments.tx_ref.
func GenerateTxRef() (string, error) {
	code, err := GenerateCode(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TX-%s", code), nil
}

// GenerateTicketCode returns a human/machine readable ticket code.
// Uniqueness is enforced by the index on tickets.code.
func GenerateTicketCode() (string, error) {
	code, err := GenerateCode(5)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TKT-%s", code), nil
}

package utils

import "github.com/google/uuid"

// NewToken returns a random 128-bit identifier rendered as a string.
func NewToken() string {
	return uuid.NewString()
}

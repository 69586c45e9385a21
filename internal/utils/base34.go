package utils

import (
	"crypto/rand"
	"fmt"
)

// base34Table leaves out I and O so tokens survive being read aloud or
// copied from a chat window.
const base34Table = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// largest multiple of len(base34Table) that fits a byte; bytes at or above
// it are rejected so every symbol is equally likely
const base34Cutoff = 256 - 256%len(base34Table)

// RandBase34 returns a random token of length symbols.
func RandBase34(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid length: %d", length)
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length+length/4+1)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= base34Cutoff {
				continue
			}
			out = append(out, base34Table[int(b)%len(base34Table)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

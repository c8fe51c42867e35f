package azure

import (
	"crypto/rand"
	"fmt"
)

// adminPasswordLength is fixed at Azure's maximum accepted VM admin
// password length, which also gives the generator plenty of room to
// satisfy the character-class requirement below without retrying.
const adminPasswordLength = 72

const (
	lowerAlphabet   = "abcdefghijklmnopqrstuvwxyz"
	upperAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitAlphabet   = "0123456789"
	specialAlphabet = "!@#$%^&*()-_=+[]{}"
)

var passwordAlphabets = []string{lowerAlphabet, upperAlphabet, digitAlphabet, specialAlphabet}

// fullAlphabet is every character any class may contribute, used to fill
// the password out once the class minimums are satisfied.
var fullAlphabet = lowerAlphabet + upperAlphabet + digitAlphabet + specialAlphabet

// GenerateAdminPassword returns a random admin password for VM creation:
// fixed length, drawing from all four character classes, and containing
// no control characters (Azure's osProfile.adminPassword rejects them).
func GenerateAdminPassword() (string, error) {
	out := make([]byte, adminPasswordLength)

	// Guarantee at least one character from each of the four classes up
	// front, then fill the remainder uniformly — satisfies Azure's
	// "at least 3 of 4 classes" rule with room to spare at this length.
	for i, alphabet := range passwordAlphabets {
		c, err := randomChar(alphabet)
		if err != nil {
			return "", fmt.Errorf("generating admin password: %w", err)
		}
		out[i] = c
	}
	for i := len(passwordAlphabets); i < adminPasswordLength; i++ {
		c, err := randomChar(fullAlphabet)
		if err != nil {
			return "", fmt.Errorf("generating admin password: %w", err)
		}
		out[i] = c
	}

	if err := shuffle(out); err != nil {
		return "", fmt.Errorf("generating admin password: %w", err)
	}

	return string(out), nil
}

func randomChar(alphabet string) (byte, error) {
	b := make([]byte, 1)
	for {
		if _, err := rand.Read(b); err != nil {
			return 0, err
		}
		idx := int(b[0]) % len(alphabet)
		// Reject draws past the largest multiple of len(alphabet) that
		// fits in a byte, so every character is equally likely.
		if int(b[0]) < (256/len(alphabet))*len(alphabet) {
			return alphabet[idx], nil
		}
	}
}

func shuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		jBuf := make([]byte, 1)
		for {
			if _, err := rand.Read(jBuf); err != nil {
				return err
			}
			n := i + 1
			if int(jBuf[0]) < (256/n)*n {
				j := int(jBuf[0]) % n
				b[i], b[j] = b[j], b[i]
				break
			}
		}
	}
	return nil
}

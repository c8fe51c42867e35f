package azure

import (
	"crypto/rand"
	"fmt"
)

const nicerIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// nicerID generates a random lowercase alphanumeric identifier of length
// n, suitable for use as an Azure resource name component: no
// underscores or mixed case to trip up name-validation rules that differ
// across resource types.
func nicerID(n int) (string, error) {
	out := make([]byte, n)
	b := make([]byte, 1)
	for i := range out {
		for {
			if _, err := rand.Read(b); err != nil {
				return "", fmt.Errorf("generating identifier: %w", err)
			}
			if int(b[0]) < (256/len(nicerIDAlphabet))*len(nicerIDAlphabet) {
				out[i] = nicerIDAlphabet[int(b[0])%len(nicerIDAlphabet)]
				break
			}
		}
	}
	return string(out), nil
}

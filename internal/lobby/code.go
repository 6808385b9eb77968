package lobby

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/DoyleJ11/trivia-duel-backend/internal/apperr"
)

// CodeAlphabet leaves out 0/O and 1/I.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const CodeLength = 6

func GenerateCode() (string, error) {
	code := make([]byte, CodeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(CodeAlphabet))))
		if err != nil {
			return "", err
		}
		code[i] = CodeAlphabet[num.Int64()]
	}
	return string(code), nil
}

// NormalizeCode accepts what a user might type ("ab12-cd ") and returns the
// canonical form. Any 6 uppercase letters or digits are accepted so codes
// handed out by older clients still resolve.
func NormalizeCode(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	code := b.String()
	if len(code) != CodeLength {
		return "", apperr.Validation("code", "must be 6 letters or digits")
	}
	return code, nil
}

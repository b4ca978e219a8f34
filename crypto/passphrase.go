package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PassphraseLength is the length of generated pairing secrets.
	PassphraseLength = 6
	// PassphraseMinLength and PassphraseMaxLength bound user-entered secrets.
	PassphraseMinLength = 6
	PassphraseMaxLength = 16

	passphraseAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// pbkdf2Iterations follows OWASP guidance for PBKDF2-HMAC-SHA256.
	pbkdf2Iterations = 210000
	pbkdf2SaltSize   = 16
	pbkdf2KeySize    = 32

	// maxRecordIterations bounds iteration counts accepted from stored or
	// wire records so a hostile record cannot burn unbounded CPU.
	maxRecordIterations = 1 << 22
)

// GeneratePassphrase returns a short pairing secret drawn uniformly from the
// alphanumeric alphabet using the platform CSPRNG.
func GeneratePassphrase() (string, error) {
	secret := make([]byte, PassphraseLength)
	for i := 0; i < len(secret); {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("generate passphrase: %w", err)
		}
		// Rejection sampling: 248 is the largest multiple of 62 below 256,
		// so accepting only bytes below it keeps the modulo draw uniform.
		if b[0] >= 248 {
			continue
		}
		secret[i] = passphraseAlphabet[int(b[0])%len(passphraseAlphabet)]
		i++
	}
	return string(secret), nil
}

// ValidatePassphraseFormat checks length and alphabet for both generated and
// user-entered secrets. The reason is empty when the secret is acceptable.
func ValidatePassphraseFormat(secret string) (bool, string) {
	if len(secret) < PassphraseMinLength || len(secret) > PassphraseMaxLength {
		return false, fmt.Sprintf("passphrase must be %d to %d characters", PassphraseMinLength, PassphraseMaxLength)
	}
	for _, r := range secret {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false, "passphrase may contain only letters and digits"
		}
	}
	return true, ""
}

// HashPassphrase derives a salted PBKDF2 record suitable for storage or
// transmission. The salt is freshly random on every call, so two hashes of
// the same secret never match; compare with VerifyPassphrase.
// Format: "iterations$saltHex$digestHex".
func HashPassphrase(secret string) (string, error) {
	salt := make([]byte, pbkdf2SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate passphrase salt: %w", err)
	}

	digest := pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, pbkdf2KeySize, sha256.New)
	return fmt.Sprintf("%d$%s$%s", pbkdf2Iterations, hex.EncodeToString(salt), hex.EncodeToString(digest)), nil
}

// VerifyPassphrase re-derives the record's digest from secret and compares
// in constant time. Malformed records verify false; no error escapes to the
// caller.
func VerifyPassphrase(secret, record string) bool {
	parts := strings.Split(record, "$")
	if len(parts) != 3 {
		return false
	}

	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations <= 0 || iterations > maxRecordIterations {
		return false
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil || len(salt) == 0 {
		return false
	}
	want, err := hex.DecodeString(parts[2])
	if err != nil || len(want) == 0 {
		return false
	}

	got := pbkdf2.Key([]byte(secret), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

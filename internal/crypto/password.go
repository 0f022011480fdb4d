package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 work factor used when none is configured.
	DefaultIterations = 120000

	saltSize       = 16
	derivedKeySize = 32
	recordSep      = "."
)

// PasswordHasher hashes account passwords with PBKDF2-HMAC-SHA256.
//
// A record has the form "<iterations>.<base64 salt>.<base64 key>", so
// verification always uses the work factor that was in force at hash time.
type PasswordHasher struct {
	iterations int
}

// NewPasswordHasher returns a hasher using the given iteration count, or
// DefaultIterations when iterations is not positive.
func NewPasswordHasher(iterations int) *PasswordHasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &PasswordHasher{iterations: iterations}
}

// Iterations returns the work factor applied by Hash.
func (h *PasswordHasher) Iterations() int {
	return h.iterations
}

// Hash returns a new salted hash record for password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, h.iterations, derivedKeySize, sha256.New)
	return strings.Join([]string{
		strconv.Itoa(h.iterations),
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	}, recordSep), nil
}

// Verify reports whether password matches record. Malformed records never match.
func (h *PasswordHasher) Verify(password, record string) bool {
	iterations, salt, key, ok := parseRecord(record)
	if !ok {
		return false
	}
	attempt := pbkdf2.Key([]byte(password), salt, iterations, len(key), sha256.New)
	return subtle.ConstantTimeCompare(attempt, key) == 1
}

// NeedsRehash reports whether record was produced with fewer iterations than
// the hasher currently uses.
func (h *PasswordHasher) NeedsRehash(record string) bool {
	iterations, _, _, ok := parseRecord(record)
	return ok && iterations < h.iterations
}

func parseRecord(record string) (int, []byte, []byte, bool) {
	parts := strings.Split(strings.TrimSpace(record), recordSep)
	if len(parts) != 3 {
		return 0, nil, nil, false
	}
	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations <= 0 {
		return 0, nil, nil, false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(salt) == 0 {
		return 0, nil, nil, false
	}
	key, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(key) == 0 {
		return 0, nil, nil, false
	}
	return iterations, salt, key, true
}

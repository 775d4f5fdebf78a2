package credential

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// upper bounds for argon2 parameters read from a stored hash; a crafted hash
// must not be able to make a login allocate gigabytes.
const (
	maxArgonMemoryKiB = 1 << 20
	maxArgonTime      = 16
	maxArgonThreads   = 16
)

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2x$", "$2y$"}

// AdaptiveVerifier handles the bcrypt and argon2 families.
type AdaptiveVerifier struct{}

func (AdaptiveVerifier) CanHandle(h string) bool {
	return isBcrypt(h) || strings.HasPrefix(h, "$argon2id$") || strings.HasPrefix(h, "$argon2i$")
}

func (AdaptiveVerifier) Verify(plaintext, h string) bool {
	if isBcrypt(h) {
		return bcrypt.CompareHashAndPassword([]byte(h), []byte(plaintext)) == nil
	}
	ok, err := verifyArgon2(plaintext, h)
	return err == nil && ok
}

func isBcrypt(h string) bool {
	for _, p := range bcryptPrefixes {
		if strings.HasPrefix(h, p) {
			return true
		}
	}
	return false
}

type argonParams struct {
	variant string
	memory  uint32
	time    uint32
	threads uint8
}

// verifyArgon2 checks a PHC string:
// $argon2id$v=19$m=65536,t=4,p=1$<salt>$<hash>
func verifyArgon2(plaintext, encoded string) (bool, error) {
	params, salt, expected, err := decodeArgon2(encoded)
	if err != nil {
		return false, err
	}
	keyLen := uint32(len(expected)) // #nosec G115 -- bounded by decodeArgon2
	var key []byte
	switch params.variant {
	case "argon2id":
		key = argon2.IDKey([]byte(plaintext), salt, params.time, params.memory, params.threads, keyLen)
	case "argon2i":
		key = argon2.Key([]byte(plaintext), salt, params.time, params.memory, params.threads, keyLen)
	default:
		return false, ErrInvalidHash
	}
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

func decodeArgon2(encoded string) (argonParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return argonParams{}, nil, nil, ErrInvalidHash
	}
	p := argonParams{variant: parts[1]}
	if parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return argonParams{}, nil, nil, ErrInvalidHash
	}
	var threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &threads); err != nil {
		return argonParams{}, nil, nil, ErrInvalidHash
	}
	if p.memory == 0 || p.time == 0 || threads == 0 ||
		p.memory > maxArgonMemoryKiB || p.time > maxArgonTime || threads > maxArgonThreads {
		return argonParams{}, nil, nil, ErrInvalidHash
	}
	p.threads = uint8(threads) // #nosec G115 -- checked against maxArgonThreads

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(strings.TrimRight(parts[4], "="))
	if err != nil || len(salt) < 8 {
		return argonParams{}, nil, nil, ErrInvalidHash
	}
	hash, err := b64.DecodeString(strings.TrimRight(parts[5], "="))
	if err != nil || len(hash) < 16 || len(hash) > 128 {
		return argonParams{}, nil, nil, ErrInvalidHash
	}
	return p, salt, hash, nil
}

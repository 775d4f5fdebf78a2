package credential

// HashVerifier checks a plaintext password against one stored hash format.
type HashVerifier interface {
	// CanHandle reports whether the stored hash is in this verifier's format.
	CanHandle(storedHash string) bool
	Verify(plaintext, storedHash string) bool
}

// Chain dispatches to the first verifier that recognises the stored hash.
// Order matters: the first CanHandle hit decides, later entries are never consulted.
type Chain []HashVerifier

// DefaultChain is the fixed priority order: adaptive, portable, raw md5.
func DefaultChain() Chain {
	return Chain{AdaptiveVerifier{}, PortableVerifier{}, RawMD5Verifier{}}
}

// Verify returns false for unknown formats; it never errors.
func (c Chain) Verify(plaintext, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	for _, v := range c {
		if v.CanHandle(storedHash) {
			return v.Verify(plaintext, storedHash)
		}
	}
	return false
}

// Format names the verifier that would handle storedHash, "" when unknown.
func (c Chain) Format(storedHash string) string {
	for _, v := range c {
		if v.CanHandle(storedHash) {
			switch v.(type) {
			case AdaptiveVerifier:
				return "adaptive"
			case PortableVerifier:
				return "portable"
			case RawMD5Verifier:
				return "md5"
			default:
				return "custom"
			}
		}
	}
	return ""
}

var defaultChain = DefaultChain()

// Verify checks plaintext against storedHash using the default chain.
func Verify(plaintext, storedHash string) bool {
	return defaultChain.Verify(plaintext, storedHash)
}

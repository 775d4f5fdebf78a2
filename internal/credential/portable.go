package credential

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"strings"
)

// itoa64 is the alphabet of the legacy portable hash; it is not base64.
const itoa64 = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	portableHeaderLen = 12 // "$H$" + cost char + 8 byte salt
	portableHashLen   = 34
	minPortableCost   = 7
	maxPortableCost   = 30
)

// PortableVerifier handles the iterated-MD5 forum hashes ("$H$" and "$P$").
type PortableVerifier struct{}

func (PortableVerifier) CanHandle(h string) bool {
	return strings.HasPrefix(h, "$H$") || strings.HasPrefix(h, "$P$")
}

func (PortableVerifier) Verify(plaintext, h string) bool {
	if len(h) != portableHashLen {
		return false
	}
	computed, ok := PortableHash(plaintext, h)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(h)) == 1
}

// PortableHash computes the full header+digest string for password using the
// cost and salt found in setting (at least the 12 character header).
func PortableHash(password, setting string) (string, bool) {
	if len(setting) < portableHeaderLen {
		return "", false
	}
	cost := strings.IndexByte(itoa64, setting[3])
	if cost < minPortableCost || cost > maxPortableCost {
		return "", false
	}
	salt := setting[4:portableHeaderLen]

	pw := []byte(password)
	sum := md5.Sum(append([]byte(salt), pw...))
	digest := sum[:]
	buf := make([]byte, 0, md5.Size+len(pw))
	for count := 1 << cost; count > 0; count-- {
		buf = append(append(buf[:0], digest...), pw...)
		sum = md5.Sum(buf)
		digest = sum[:]
	}
	return setting[:portableHeaderLen] + encode64(digest, md5.Size), true
}

// encode64 packs 3 input bytes into 4 alphabet characters, least significant
// bits first; a trailing partial group emits only the characters it fills.
func encode64(input []byte, count int) string {
	var out strings.Builder
	i := 0
	for {
		value := uint(input[i])
		i++
		out.WriteByte(itoa64[value&0x3f])
		if i < count {
			value |= uint(input[i]) << 8
		}
		out.WriteByte(itoa64[(value>>6)&0x3f])
		if i >= count {
			break
		}
		i++
		if i < count {
			value |= uint(input[i]) << 16
		}
		out.WriteByte(itoa64[(value>>12)&0x3f])
		if i >= count {
			break
		}
		i++
		out.WriteByte(itoa64[(value>>18)&0x3f])
		if i >= count {
			break
		}
	}
	return out.String()
}

var rawMD5Pattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// RawMD5Verifier handles unsalted hex MD5 digests from very old imports.
type RawMD5Verifier struct{}

func (RawMD5Verifier) CanHandle(h string) bool {
	return rawMD5Pattern.MatchString(h)
}

func (RawMD5Verifier) Verify(plaintext, h string) bool {
	sum := md5.Sum([]byte(plaintext))
	want := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(h))) == 1
}

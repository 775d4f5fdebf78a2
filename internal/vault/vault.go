package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	plainPrefix  = "plain:"
	keyDelimiter = "|"
	ivSize       = aes.BlockSize
)

var errBadPadding = errors.New("vault: bad padding")

// Kind tags how a Sealed value was produced.
type Kind int

const (
	KindEmpty Kind = iota
	// KindCipher is AES-256-CBC: IV || ciphertext.
	KindCipher
	// KindPlain is the degraded, unencrypted wrapper used when no block cipher is available.
	KindPlain
)

// Sealed is the stored form of a secret.
type Sealed struct {
	Kind Kind
	Data []byte
}

// String renders the opaque text stored in the database.
func (s Sealed) String() string {
	switch s.Kind {
	case KindCipher:
		return base64.StdEncoding.EncodeToString(s.Data)
	case KindPlain:
		return plainPrefix + base64.StdEncoding.EncodeToString(s.Data)
	default:
		return ""
	}
}

// Parse is the inverse of Sealed.String. Undecodable input parses as empty.
func Parse(opaque string) Sealed {
	if opaque == "" {
		return Sealed{Kind: KindEmpty}
	}
	if rest, ok := strings.CutPrefix(opaque, plainPrefix); ok {
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return Sealed{Kind: KindEmpty}
		}
		return Sealed{Kind: KindPlain, Data: raw}
	}
	raw, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return Sealed{Kind: KindEmpty}
	}
	return Sealed{Kind: KindCipher, Data: raw}
}

// BlockFactory builds the block cipher for a key.
type BlockFactory func(key []byte) (cipher.Block, error)

type Option func(*Vault)

// WithBlockFactory replaces aes.NewCipher; a factory that errors forces the plain fallback.
func WithBlockFactory(f BlockFactory) Option {
	return func(v *Vault) {
		if f != nil {
			v.newBlock = f
		}
	}
}

// Vault encrypts third-party tokens at rest. Encrypt and Decrypt never fail:
// tokens are best effort, a broken vault must not break a login.
type Vault struct {
	key      [sha256.Size]byte
	newBlock BlockFactory
}

// New derives the key from two host secrets. Missing secrets still yield a key.
func New(authKey, secureAuthKey string, opts ...Option) *Vault {
	v := &Vault{
		key:      sha256.Sum256([]byte(authKey + keyDelimiter + secureAuthKey)),
		newBlock: aes.NewCipher,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func (v *Vault) Encrypt(plaintext string) string {
	return v.Seal(plaintext).String()
}

func (v *Vault) Decrypt(opaque string) string {
	return v.Open(Parse(opaque))
}

// Seal encrypts plaintext, falling back to KindPlain when no cipher can be built.
func (v *Vault) Seal(plaintext string) Sealed {
	if plaintext == "" {
		return Sealed{Kind: KindEmpty}
	}
	block, err := v.newBlock(v.key[:])
	if err != nil {
		return Sealed{Kind: KindPlain, Data: []byte(plaintext)}
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{Kind: KindPlain, Data: []byte(plaintext)}
	}
	padded := pad([]byte(plaintext), block.BlockSize())
	out := make([]byte, ivSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], padded)
	return Sealed{Kind: KindCipher, Data: out}
}

// Open returns "" for anything it cannot decrypt.
func (v *Vault) Open(s Sealed) string {
	switch s.Kind {
	case KindEmpty:
		return ""
	case KindPlain:
		return string(s.Data)
	case KindCipher:
		plain, err := v.openCipher(s.Data)
		if err != nil {
			return ""
		}
		return string(plain)
	default:
		return ""
	}
}

func (v *Vault) openCipher(data []byte) ([]byte, error) {
	if len(data) < ivSize+1 {
		return nil, errors.New("vault: ciphertext too short")
	}
	block, err := v.newBlock(v.key[:])
	if err != nil {
		return nil, err
	}
	iv, body := data[:ivSize], data[ivSize:]
	if len(body)%block.BlockSize() != 0 {
		return nil, errors.New("vault: ciphertext is not a whole number of blocks")
	}
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	return unpad(out, block.BlockSize())
}

// PKCS#7
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}

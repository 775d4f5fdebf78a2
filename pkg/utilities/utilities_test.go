package utilities

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "a***@example.com",
		"":                  "",
		"no-at-sign":        "***",
		"@example.com":      "***",
	}
	for in, want := range cases {
		if got := MaskEmail(in); got != want {
			t.Fatalf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLevelFromString(t *testing.T) {
	if levelFromString("WARN") != zapcore.WarnLevel {
		t.Fatalf("expected warn level")
	}
	if levelFromString("bogus") != zapcore.InfoLevel {
		t.Fatalf("expected info fallback")
	}
}

func TestSnowflakeIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := NewSnowflakeID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate snowflake id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewKSUIDLength(t *testing.T) {
	if got := len(NewKSUID()); got != 27 {
		t.Fatalf("expected 27 char ksuid, got %d", got)
	}
}

package auth

import "testing"

func TestExtractTokenSplitsQueryArg(t *testing.T) {
	key, token := ExtractToken("mystream?token=abc123")
	if key != "mystream" || token != "abc123" {
		t.Fatalf("got key=%q token=%q", key, token)
	}
}

func TestExtractTokenNoQueryArg(t *testing.T) {
	key, token := ExtractToken("mystream")
	if key != "mystream" || token != "" {
		t.Fatalf("got key=%q token=%q", key, token)
	}
}

func TestDisabledValidatorAcceptsAnything(t *testing.T) {
	v, err := NewValidator("")
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if v.Enabled() {
		t.Fatalf("expected disabled validator")
	}
	if err := v.Validate(""); err != nil {
		t.Fatalf("disabled validator should accept empty token: %v", err)
	}
}

func TestValidatorRoundTrip(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	v, err := NewValidator(hash)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if !v.Enabled() {
		t.Fatalf("expected enabled validator")
	}
	if err := v.Validate("s3cret"); err != nil {
		t.Fatalf("expected valid token to pass: %v", err)
	}
	if err := v.Validate("wrong"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if err := v.Validate(""); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestNewValidatorRejectsMalformedHash(t *testing.T) {
	if _, err := NewValidator("not-a-bcrypt-hash"); err == nil {
		t.Fatalf("expected error for malformed hash")
	}
}

package crypto

import (
	"strings"
	"testing"

	"github.com/fieldkit/fieldsync/internal/errors"
)

func TestSealAndOpenToken(t *testing.T) {
	sealed, err := SealToken("secret-token-123", "device-a")
	if err != nil {
		t.Fatalf("SealToken: %v", err)
	}
	if strings.Contains(sealed, "secret-token-123") {
		t.Error("sealed value contains the plaintext token")
	}

	token, err := OpenToken(sealed, "device-a")
	if err != nil {
		t.Fatalf("OpenToken: %v", err)
	}
	if token != "secret-token-123" {
		t.Errorf("token = %q, want secret-token-123", token)
	}
}

func TestSealTokenNonDeterministic(t *testing.T) {
	a, err := SealToken("tok", "dev")
	if err != nil {
		t.Fatalf("SealToken: %v", err)
	}
	b, err := SealToken("tok", "dev")
	if err != nil {
		t.Fatalf("SealToken: %v", err)
	}
	if a == b {
		t.Error("two seals of the same token are identical, want fresh nonce per seal")
	}
}

func TestOpenTokenWrongDevice(t *testing.T) {
	sealed, err := SealToken("tok", "device-a")
	if err != nil {
		t.Fatalf("SealToken: %v", err)
	}
	if _, err := OpenToken(sealed, "device-b"); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestOpenTokenRejectsGarbage(t *testing.T) {
	cases := []struct {
		name   string
		sealed string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"truncated", "c2hvcnQ="},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := OpenToken(tc.sealed, "dev"); !errors.Is(err, errors.ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

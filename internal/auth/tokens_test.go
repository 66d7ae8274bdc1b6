package auth

import (
	"strings"
	"testing"
)

func TestGenerateAPIToken(t *testing.T) {
	plaintext, hash, err := GenerateAPIToken()
	if err != nil {
		t.Fatalf("GenerateAPIToken() error = %v", err)
	}
	if !strings.HasPrefix(plaintext, TokenPrefix) {
		t.Errorf("token %q missing %q prefix", plaintext, TokenPrefix)
	}
	if hash != HashToken(plaintext) {
		t.Error("returned hash does not match HashToken(plaintext)")
	}

	second, _, err := GenerateAPIToken()
	if err != nil {
		t.Fatalf("GenerateAPIToken() error = %v", err)
	}
	if second == plaintext {
		t.Error("two generated tokens are identical")
	}
}

func TestGenerateTokenID(t *testing.T) {
	id, err := GenerateTokenID()
	if err != nil {
		t.Fatalf("GenerateTokenID() error = %v", err)
	}
	if len(id) != 16 {
		t.Errorf("len(id) = %d, want 16", len(id))
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer twk_abc", "twk_abc"},
		{"Bearer  spaced ", "spaced"},
		{"bearer twk_abc", ""},
		{"Basic dXNlcg==", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractBearerToken(tt.header); got != tt.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestMintRevokeList(t *testing.T) {
	ts := newFakeTokenStore()
	svc := NewService("token", "", ts, nil, testLogger())

	plaintext, token, err := svc.Mint("ci-pipeline")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if !strings.HasPrefix(plaintext, TokenPrefix) {
		t.Errorf("plaintext %q missing prefix", plaintext)
	}
	if token.Name != "ci-pipeline" {
		t.Errorf("token.Name = %q, want ci-pipeline", token.Name)
	}

	list, err := svc.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != token.ID {
		t.Fatalf("List() = %+v, want the minted token", list)
	}

	if err := svc.Revoke(token.ID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	list, _ = svc.List()
	if len(list) != 0 {
		t.Fatalf("List() after revoke = %+v, want empty", list)
	}

	// Revoking again is a no-op.
	if err := svc.Revoke(token.ID); err != nil {
		t.Fatalf("Revoke() second call error = %v", err)
	}
}

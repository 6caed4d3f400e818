package agent

import "testing"

func TestSharedSecretAuthenticator_Verify(t *testing.T) {
	auth := NewSharedSecretAuthenticator("s3cret-token")

	ok, err := auth.Verify("s3cret-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected matching token to verify")
	}
}

func TestSharedSecretAuthenticator_WrongToken(t *testing.T) {
	auth := NewSharedSecretAuthenticator("s3cret-token")

	ok, err := auth.Verify("wrong-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected mismatched token to fail verification")
	}
}

func TestSharedSecretAuthenticator_DifferentLength(t *testing.T) {
	auth := NewSharedSecretAuthenticator("a-long-secret-token")

	ok, err := auth.Verify("short")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected length-mismatched token to fail verification")
	}
}

func TestSharedSecretAuthenticator_EmptyToken(t *testing.T) {
	auth := NewSharedSecretAuthenticator("s3cret-token")

	ok, err := auth.Verify("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected empty token to fail verification")
	}
}

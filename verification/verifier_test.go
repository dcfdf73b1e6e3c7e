package verification

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/kernelforge/kernelforge/deployment"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}

	pubKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubKeyBytes,
	})
	return privateKey, string(pubKeyPEM)
}

func testModule() *deployment.ModuleDescriptor {
	return &deployment.ModuleDescriptor{
		Name:    "payment-gateway",
		Version: "2.1.0",
		Author:  "platform-team",
		Dependencies: map[string]string{
			"auth-core": ">=1.0.0",
		},
	}
}

func TestSignedModuleVerifies(t *testing.T) {
	privateKey, pubPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubPEM, true)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	desc := testModule()
	payload := []byte("module-binary-content")
	if err := NewSigner(privateKey).Sign(desc, payload); err != nil {
		t.Fatalf("Failed to sign module: %v", err)
	}

	res := verifier.VerifySignature(context.Background(), desc, payload)
	if !res.Valid {
		t.Errorf("Verification failed: %v", res.Errors)
	}
}

func TestTamperedPayloadRejected(t *testing.T) {
	privateKey, pubPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubPEM, true)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	desc := testModule()
	payload := []byte("module-binary-content")
	if err := NewSigner(privateKey).Sign(desc, payload); err != nil {
		t.Fatalf("Failed to sign module: %v", err)
	}

	res := verifier.VerifySignature(context.Background(), desc, []byte("tampered-content"))
	if res.Valid {
		t.Error("Expected verification to fail for tampered payload")
	}
}

func TestUnsignedModuleStrictMode(t *testing.T) {
	_, pubPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubPEM, true)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	res := verifier.VerifySignature(context.Background(), testModule(), []byte("content"))
	if res.Valid {
		t.Error("Strict mode accepted unsigned module")
	}
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "not signed") && strings.Contains(e, "strict mode") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected 'not signed'/'strict mode' error, got %v", res.Errors)
	}
}

func TestUnsignedModuleNonStrictMode(t *testing.T) {
	verifier, err := NewVerifier("", false)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	res := verifier.VerifySignature(context.Background(), testModule(), []byte("content"))
	if !res.Valid {
		t.Errorf("Non-strict mode rejected unsigned module: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("Expected a warning for unsigned module in non-strict mode")
	}
}

func TestMalformedSignatureDoesNotPanic(t *testing.T) {
	_, pubPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubPEM, true)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	desc := testModule()
	desc.Signature = []byte{0x01, 0x02, 0x03}
	desc.SignatureAlg = AlgRSASHA256

	res := verifier.VerifySignature(context.Background(), desc, []byte("content"))
	if res.Valid {
		t.Error("Expected malformed signature to be rejected")
	}
	if len(res.Errors) == 0 {
		t.Error("Expected an error describing the malformed signature")
	}
}

func TestValidateModuleComposes(t *testing.T) {
	verifier, err := NewVerifier("", false)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}
	ctx := context.Background()

	// Valid unsigned module in non-strict mode.
	res := verifier.ValidateModule(ctx, testModule(), []byte("content"))
	if !res.Valid {
		t.Errorf("Expected valid result, got errors %v", res.Errors)
	}
	if res.Dependencies != 1 {
		t.Errorf("Expected 1 dependency reported, got %d", res.Dependencies)
	}

	// Empty payload fails integrity.
	res = verifier.ValidateModule(ctx, testModule(), nil)
	if res.Valid {
		t.Error("Expected empty payload to fail validation")
	}
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "empty") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected an 'empty' error, got %v", res.Errors)
	}

	// Missing name and bad version fail structure.
	bad := testModule()
	bad.Name = ""
	bad.Version = "not-a-version"
	res = verifier.ValidateModule(ctx, bad, []byte("content"))
	if res.Valid {
		t.Error("Expected structural validation to fail")
	}

	// Nil descriptor is safe.
	res = verifier.ValidateModule(ctx, nil, []byte("content"))
	if res.Valid {
		t.Error("Expected nil descriptor to fail validation")
	}
}

func TestSignatureValidationFailureSurfacedInModuleResult(t *testing.T) {
	_, pubPEM := testKeyPair(t)

	verifier, err := NewVerifier(pubPEM, true)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	res := verifier.ValidateModule(context.Background(), testModule(), []byte("content"))
	if res.Valid {
		t.Error("Expected unsigned module to fail strict validation")
	}
	found := false
	for _, e := range res.Errors {
		if e == "Signature validation failed" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected 'Signature validation failed' in errors, got %v", res.Errors)
	}
}

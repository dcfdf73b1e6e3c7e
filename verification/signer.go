package verification

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/kernelforge/kernelforge/deployment"
)

// Signer produces detached module signatures. It is the producing side of
// the contract the Verifier checks; build tooling and tests use it to mint
// signed modules.
type Signer struct {
	privateKey *rsa.PrivateKey
}

// NewSigner creates a signer around an RSA private key.
func NewSigner(privateKey *rsa.PrivateKey) *Signer {
	return &Signer{privateKey: privateKey}
}

// Sign computes the detached signature for a module payload and stamps it
// onto the descriptor along with the algorithm id.
func (s *Signer) Sign(desc *deployment.ModuleDescriptor, payload []byte) error {
	hashed := sha256.Sum256(signedMessage(desc, payload))

	signature, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return fmt.Errorf("failed to sign module %s: %w", desc.Name, err)
	}

	desc.Signature = signature
	desc.SignatureAlg = AlgRSASHA256
	return nil
}

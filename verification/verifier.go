package verification

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/kernelforge/kernelforge/deployment"
)

// AlgRSASHA256 is the only signature algorithm the platform currently accepts.
const AlgRSASHA256 = "rsa-sha256"

// SignatureResult reports the outcome of signature verification.
// Verification never returns an error for malformed input; every failure
// path lands in Errors instead.
type SignatureResult struct {
	Valid    bool      `json:"valid"`
	Errors   []string  `json:"errors,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	Signer   string    `json:"signer,omitempty"`
	SignedAt time.Time `json:"signed_at,omitempty"`
}

// ModuleResult reports the outcome of full module validation: structure,
// signature, payload integrity and dependency inventory.
type ModuleResult struct {
	Valid        bool     `json:"valid"`
	Errors       []string `json:"errors,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Dependencies int      `json:"dependencies"`
}

// Verifier gates modules before any cluster is touched. In strict mode an
// unsigned module is rejected; otherwise it passes with a warning. The mode
// is fixed for the lifetime of the verifier.
type Verifier struct {
	publicKey *rsa.PublicKey
	strict    bool
}

// NewVerifier builds a verifier from a PEM-encoded RSA public key.
// An empty key is allowed in non-strict mode; signature checks then only
// validate structure.
func NewVerifier(publicKeyPEM string, strict bool) (*Verifier, error) {
	v := &Verifier{strict: strict}
	if publicKeyPEM == "" {
		if strict {
			return nil, errors.New("strict verifier requires a public key")
		}
		return v, nil
	}

	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}

	v.publicKey = rsaPub
	return v, nil
}

// Strict reports whether the verifier rejects unsigned modules.
func (v *Verifier) Strict() bool { return v.strict }

// VerifySignature checks the detached signature of a module payload.
// The check is CPU-bound: ctx is accepted for symmetry with the rest of the
// pipeline but the check always runs to completion.
func (v *Verifier) VerifySignature(ctx context.Context, desc *deployment.ModuleDescriptor, payload []byte) SignatureResult {
	_ = ctx

	if desc == nil {
		return SignatureResult{Valid: false, Errors: []string{"module descriptor is nil"}}
	}

	if len(desc.Signature) == 0 {
		if v.strict {
			return SignatureResult{
				Valid:  false,
				Errors: []string{fmt.Sprintf("module %s is not signed (strict mode)", desc.Name)},
			}
		}
		return SignatureResult{
			Valid:    true,
			Warnings: []string{fmt.Sprintf("module %s is not signed", desc.Name)},
		}
	}

	if desc.SignatureAlg != "" && desc.SignatureAlg != AlgRSASHA256 {
		return SignatureResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("unsupported signature algorithm %q", desc.SignatureAlg)},
		}
	}

	if v.publicKey == nil {
		return SignatureResult{
			Valid:  false,
			Errors: []string{"no public key configured for signature verification"},
		}
	}

	hashed := sha256.Sum256(signedMessage(desc, payload))
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, hashed[:], desc.Signature); err != nil {
		log.Printf("Verification failed for module %s@%s: %v", desc.Name, desc.Version, err)
		return SignatureResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("signature verification failed: %v", err)},
		}
	}

	return SignatureResult{
		Valid:    true,
		Signer:   desc.Author,
		SignedAt: time.Now(),
	}
}

// ValidateModule composes structural validation, signature verification,
// payload integrity and dependency reporting. Overall validity is the AND
// of every sub-check; the dependency count is informational only.
func (v *Verifier) ValidateModule(ctx context.Context, desc *deployment.ModuleDescriptor, payload []byte) ModuleResult {
	res := ModuleResult{Valid: true}

	if desc == nil {
		return ModuleResult{Valid: false, Errors: []string{"module descriptor is nil"}}
	}

	// Structural checks.
	if desc.Name == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "module name is empty")
	}
	if desc.Version == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "module version is empty")
	} else if _, err := semver.NewVersion(desc.Version); err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, fmt.Sprintf("module version %q is not a valid semantic version", desc.Version))
	}

	// Signature check.
	sig := v.VerifySignature(ctx, desc, payload)
	if !sig.Valid {
		res.Valid = false
		res.Errors = append(res.Errors, "Signature validation failed")
		res.Errors = append(res.Errors, sig.Errors...)
	}
	res.Warnings = append(res.Warnings, sig.Warnings...)

	// Integrity check.
	if len(payload) == 0 {
		res.Valid = false
		res.Errors = append(res.Errors, "module payload is empty")
	}

	// Dependency inventory. Constraint syntax problems are warnings, not
	// validation failures.
	res.Dependencies = len(desc.Dependencies)
	for name, rng := range desc.Dependencies {
		if _, err := semver.NewConstraint(rng); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("dependency %s has unparseable version range %q", name, rng))
		}
	}

	return res
}

// signedMessage is the canonical byte sequence a module signature covers:
// the payload digest bound to the module identity.
func signedMessage(desc *deployment.ModuleDescriptor, payload []byte) []byte {
	digest := sha256.Sum256(payload)
	return fmt.Appendf(nil, "%s:%s:%x", desc.Name, desc.Version, digest)
}

package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cuk-labs/usagebar/infrastructure/canonical"
)

var (
	// ErrMissingSignature means the manifest carries no signature field.
	ErrMissingSignature = errors.New("trust: manifest is not signed")
	// ErrUnknownKeyID means the signature names a key the host does not trust.
	ErrUnknownKeyID = errors.New("trust: unknown signing key")
	// ErrMalformedSignature means the signature string does not parse.
	ErrMalformedSignature = errors.New("trust: malformed signature")
	// ErrBadSignature means the signature does not verify over the canonical
	// manifest bytes.
	ErrBadSignature = errors.New("trust: signature verification failed")
)

const signaturePrefix = "ed25519:"

// ParseSignature splits "ed25519:{keyId}:{base64}" into its parts.
func ParseSignature(sig string) (keyID string, raw []byte, err error) {
	if !strings.HasPrefix(sig, signaturePrefix) {
		return "", nil, fmt.Errorf("%w: unsupported scheme", ErrMalformedSignature)
	}
	rest := sig[len(signaturePrefix):]
	idx := strings.IndexByte(rest, ':')
	if idx <= 0 || idx == len(rest)-1 {
		return "", nil, fmt.Errorf("%w: missing key id or payload", ErrMalformedSignature)
	}
	keyID = rest[:idx]
	raw, decErr := base64.StdEncoding.DecodeString(rest[idx+1:])
	if decErr != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedSignature, decErr)
	}
	if len(raw) != ed25519.SignatureSize {
		return "", nil, fmt.Errorf("%w: signature is %d bytes", ErrMalformedSignature, len(raw))
	}
	return keyID, raw, nil
}

// VerifyManifest checks the manifest's detached signature. The manifest is
// given as a parsed JSON object; the signature field is removed before
// canonicalisation, matching what signers do.
func (kr *Keyring) VerifyManifest(manifest map[string]any) error {
	sigVal, ok := manifest["signature"]
	if !ok || sigVal == nil {
		return ErrMissingSignature
	}
	sigStr, ok := sigVal.(string)
	if !ok || sigStr == "" {
		return fmt.Errorf("%w: signature is not a string", ErrMalformedSignature)
	}

	keyID, sig, err := ParseSignature(sigStr)
	if err != nil {
		return err
	}

	key, ok := kr.Lookup(keyID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKeyID, keyID)
	}

	unsigned := make(map[string]any, len(manifest))
	for k, v := range manifest {
		if k == "signature" {
			continue
		}
		unsigned[k] = v
	}
	message, err := canonical.Marshal(unsigned)
	if err != nil {
		return fmt.Errorf("canonicalise manifest: %w", err)
	}

	if !ed25519.Verify(key.PublicKey, message, sig) {
		return fmt.Errorf("%w: key %q", ErrBadSignature, keyID)
	}
	return nil
}

// SignManifest produces the signature string for a manifest with the given
// key. Exposed for the packaging tool and tests; verification never uses it.
func SignManifest(manifest map[string]any, keyID string, priv ed25519.PrivateKey) (string, error) {
	unsigned := make(map[string]any, len(manifest))
	for k, v := range manifest {
		if k == "signature" {
			continue
		}
		unsigned[k] = v
	}
	message, err := canonical.Marshal(unsigned)
	if err != nil {
		return "", fmt.Errorf("canonicalise manifest: %w", err)
	}
	sig := ed25519.Sign(priv, message)
	return signaturePrefix + keyID + ":" + base64.StdEncoding.EncodeToString(sig), nil
}

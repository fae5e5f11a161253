//go:build testkeys

package trust

import (
	"crypto/ed25519"
	"encoding/base64"
)

// Test builds carry an extra trust root whose private half is published in
// the plugin SDK, so integration suites can sign fixtures. This file is
// excluded from production binaries.

const (
	officialKey2025 = "Gb9ECWmFSsqGuc0nQBuWU1MrJ3HbXNAz4hGF91ko4UE="
	testKey2025     = "3u4fh2jW2nS2hIv1V9tVY0qXo2rZ6c8a9bQeT1m0pVg="
)

func embeddedKeys() []TrustedKey {
	official, err := base64.StdEncoding.DecodeString(officialKey2025)
	if err != nil || len(official) != ed25519.PublicKeySize {
		panic("trust: corrupt embedded key")
	}
	test, err := base64.StdEncoding.DecodeString(testKey2025)
	if err != nil || len(test) != ed25519.PublicKeySize {
		panic("trust: corrupt test key")
	}
	return []TrustedKey{
		{KeyID: "cuk-official-2025", PublicKey: official, Source: KeySourceEmbedded},
		{KeyID: "cuk-test-2025", PublicKey: test, Source: KeySourceEmbedded},
	}
}

//go:build !testkeys

package trust

import (
	"crypto/ed25519"
	"encoding/base64"
)

// officialKey2025 is the production trust root. Plugins from the official
// marketplace are signed with the matching private key.
const officialKey2025 = "Gb9ECWmFSsqGuc0nQBuWU1MrJ3HbXNAz4hGF91ko4UE="

func embeddedKeys() []TrustedKey {
	pub, err := base64.StdEncoding.DecodeString(officialKey2025)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		// The constant is baked into the binary; a decode failure is a build
		// defect, not a runtime condition.
		panic("trust: corrupt embedded key")
	}
	return []TrustedKey{
		{KeyID: "cuk-official-2025", PublicKey: pub, Source: KeySourceEmbedded},
	}
}

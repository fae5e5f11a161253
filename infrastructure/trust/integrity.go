package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cuk-labs/usagebar/infrastructure/pluginfs"
)

// IntegrityError reports which file failed hash verification and why.
type IntegrityError struct {
	Path   string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("trust: integrity mismatch for %s: %s", e.Path, e.Reason)
}

const hashPrefix = "sha256:"

// VerifyFiles checks every entry of the manifest's files map against the
// content on disk. Paths resolve through pluginfs, so a symlink or traversal
// attempt fails the same way a wrong hash does.
func VerifyFiles(pluginRoot string, files map[string]string) error {
	for rel, declared := range files {
		if !strings.HasPrefix(declared, hashPrefix) {
			return &IntegrityError{Path: rel, Reason: "declared hash is not sha256"}
		}
		want := strings.ToLower(declared[len(hashPrefix):])
		if len(want) != sha256.Size*2 {
			return &IntegrityError{Path: rel, Reason: "declared hash has wrong length"}
		}

		content, err := pluginfs.ReadFile(pluginRoot, rel)
		if err != nil {
			return &IntegrityError{Path: rel, Reason: err.Error()}
		}

		sum := sha256.Sum256(content)
		got := hex.EncodeToString(sum[:])
		if got != want {
			return &IntegrityError{Path: rel, Reason: fmt.Sprintf("hash %s does not match declared %s", got, want)}
		}
	}
	return nil
}

// HashFile returns the "sha256:<hex>" form for content. Used by the
// packaging tool and tests.
func HashFile(content []byte) string {
	sum := sha256.Sum256(content)
	return hashPrefix + hex.EncodeToString(sum[:])
}

package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cuk-labs/usagebar/infrastructure/securefetch"
	"github.com/cuk-labs/usagebar/internal/host/hosterr"
	"github.com/cuk-labs/usagebar/internal/host/retry"
)

// UpdateInfo describes one available update from the marketplace registry.
type UpdateInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
}

// CheckUpdates fetches the marketplace registry and returns entries newer
// than the installed versions. The registry document is fetched through the
// hardened client under the retry executor.
func (m *Manager) CheckUpdates(ctx context.Context) ([]UpdateInfo, error) {
	if m.cfg.MarketplaceURL == "" {
		return nil, hosterr.New(hosterr.CodeNotFound, "no marketplace configured")
	}

	var registry []UpdateInfo
	err := m.deps.Retrier.Run(ctx, func(ctx context.Context) error {
		resp, err := m.deps.Fetch.Fetch(ctx, securefetch.Request{URL: m.cfg.MarketplaceURL})
		if err != nil {
			if transientFetchKinds[securefetch.KindOf(err)] {
				return retry.Transient(err)
			}
			return err
		}
		if resp.Status != 200 {
			return fmt.Errorf("registry returned status %d", resp.Status)
		}
		return json.Unmarshal(resp.Body, &registry)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch update registry: %w", err)
	}

	var updates []UpdateInfo
	for _, entry := range registry {
		snap, err := m.Get(entry.ID)
		if err != nil {
			continue
		}
		if semverLess(snap.Version, entry.Version) {
			updates = append(updates, entry)
		}
	}
	return updates, nil
}

// Update downloads and installs one plugin's newer package. The payload's
// digest must match the registry's declaration before the archive touches
// the extraction pipeline.
func (m *Manager) Update(ctx context.Context, id string) error {
	updates, err := m.CheckUpdates(ctx)
	if err != nil {
		return err
	}
	var target *UpdateInfo
	for i := range updates {
		if updates[i].ID == id {
			target = &updates[i]
			break
		}
	}
	if target == nil {
		return hosterr.New(hosterr.CodeNotFound, "no update available for %q", id)
	}

	resp, err := m.deps.Fetch.Fetch(ctx, securefetch.Request{URL: target.URL})
	if err != nil {
		return fmt.Errorf("download update: %w", err)
	}
	sum := sha256.Sum256(resp.Body)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), target.SHA256) {
		return hosterr.New(hosterr.CodeIntegrityMismatch, "update payload digest mismatch for %q", id)
	}

	tmp, err := os.CreateTemp("", "usagebar-update-*.zip")
	if err != nil {
		return fmt.Errorf("stage update: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("stage update: %w", err)
	}
	tmp.Close()

	installedID, err := m.Install(ctx, tmp.Name())
	if err != nil {
		return err
	}
	if installedID != id {
		return hosterr.New(hosterr.CodeManifestInvariant, "update for %q contained %q", id, installedID)
	}
	return nil
}

// semverLess compares two semver strings numerically by their triple;
// pre-release tags are ignored for update decisions.
func semverLess(a, b string) bool {
	pa, pb := semverTriple(a), semverTriple(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	return false
}

func semverTriple(v string) [3]int {
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	var out [3]int
	parts := strings.SplitN(v, ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err == nil {
			out[i] = n
		}
	}
	return out
}

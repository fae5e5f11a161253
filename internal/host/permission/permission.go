// Package permission parses manifest permission strings into typed grants
// and answers capability checks for every sandbox and router invocation.
package permission

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/cuk-labs/usagebar/internal/host/hosterr"
)

// Kind discriminates grant variants.
type Kind string

const (
	KindNetwork Kind = "network"
	KindTimer   Kind = "timer"
	KindStorage Kind = "storage"
	KindCache   Kind = "cache"
	KindCall    Kind = "call"
)

// Grant is one parsed permission.
type Grant struct {
	Kind   Kind
	Target string // call only
	Method string // call only; "*" matches any method
}

// Parse converts one manifest permission string into a grant. Unknown forms
// are an error; a manifest carrying one is rejected at load.
func Parse(s string) (Grant, error) {
	switch s {
	case "network":
		return Grant{Kind: KindNetwork}, nil
	case "timer":
		return Grant{Kind: KindTimer}, nil
	case "storage":
		return Grant{Kind: KindStorage}, nil
	case "cache":
		return Grant{Kind: KindCache}, nil
	}
	if rest, ok := strings.CutPrefix(s, "call:"); ok {
		parts := strings.Split(rest, ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Grant{}, fmt.Errorf("permission %q: call form is call:{target}:{method}", s)
		}
		return Grant{Kind: KindCall, Target: parts[0], Method: parts[1]}, nil
	}
	return Grant{}, fmt.Errorf("permission %q not recognised", s)
}

// ParseAll parses a manifest's permission list.
func ParseAll(perms []string) ([]Grant, error) {
	out := make([]Grant, 0, len(perms))
	for _, p := range perms {
		g, err := Parse(p)
		if err != nil {
			return nil, hosterr.Wrap(hosterr.CodeManifestInvariant, err, "permissions")
		}
		out = append(out, g)
	}
	return out, nil
}

// Checker holds every plugin's grants behind a reader-writer lock. The sync
// check path never blocks: it retries a bounded number of times and reports
// contention instead of stalling a sandbox callback.
type Checker struct {
	mu     sync.RWMutex
	grants map[string][]Grant
}

// syncTryBudget bounds TryRLock attempts on the non-blocking path.
const syncTryBudget = 64

// ErrLockContention is returned when the non-blocking check path exhausts
// its retry budget.
var ErrLockContention = hosterr.New(hosterr.CodeLockContention, "permission table contended")

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{grants: make(map[string][]Grant)}
}

// Register replaces a plugin's grants.
func (c *Checker) Register(pluginID string, grants []Grant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants[pluginID] = append([]Grant(nil), grants...)
}

// Unregister removes a plugin's grants.
func (c *Checker) Unregister(pluginID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.grants, pluginID)
}

// Grants returns a copy of a plugin's grants.
func (c *Checker) Grants(pluginID string) []Grant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Grant(nil), c.grants[pluginID]...)
}

// Has reports whether the plugin holds a grant of the given kind.
func (c *Checker) Has(pluginID string, kind Kind) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return hasKind(c.grants[pluginID], kind)
}

// AllowsCall reports whether caller may invoke method on target.
func (c *Checker) AllowsCall(caller, target, method string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return allowsCall(c.grants[caller], target, method)
}

// AllowsCallSync is the non-blocking flavour used from synchronous dispatch
// paths. It yields the scheduler between attempts and returns
// ErrLockContention once the budget is spent.
func (c *Checker) AllowsCallSync(caller, target, method string) (bool, error) {
	for i := 0; i < syncTryBudget; i++ {
		if c.mu.TryRLock() {
			ok := allowsCall(c.grants[caller], target, method)
			c.mu.RUnlock()
			return ok, nil
		}
		runtime.Gosched()
	}
	return false, ErrLockContention
}

func hasKind(grants []Grant, kind Kind) bool {
	for _, g := range grants {
		if g.Kind == kind {
			return true
		}
	}
	return false
}

func allowsCall(grants []Grant, target, method string) bool {
	for _, g := range grants {
		if g.Kind != KindCall {
			continue
		}
		if g.Target != target && g.Target != "*" {
			continue
		}
		if g.Method == method || g.Method == "*" {
			return true
		}
	}
	return false
}

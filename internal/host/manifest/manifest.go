// Package manifest models the manifest.json every plugin ships, and the
// validation the host applies before trusting any of it.
package manifest

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuk-labs/usagebar/infrastructure/pluginfs"
	"github.com/cuk-labs/usagebar/internal/host/hosterr"
)

// Runtime API version. Plugins declaring the same major and a minor at or
// below CurrentAPIMinor are accepted.
const (
	CurrentAPIMajor = 1
	CurrentAPIMinor = 2
)

// PluginType separates plugins that produce data from pure background workers.
type PluginType string

const (
	PluginTypeData       PluginType = "data"
	PluginTypeBackground PluginType = "background"
)

// DataType classifies the artefact a data plugin produces.
type DataType string

const (
	DataTypeUsage   DataType = "usage"
	DataTypeBalance DataType = "balance"
	DataTypeStatus  DataType = "status"
	DataTypeCustom  DataType = "custom"
)

// ConfigField is one declared config entry in the manifest's configSchema.
type ConfigField struct {
	Type        string   `json:"type"` // string | number | boolean
	Required    bool     `json:"required,omitempty"`
	Default     any      `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Secret      bool     `json:"secret,omitempty"`
}

// Manifest is the parsed manifest.json.
type Manifest struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Version          string                 `json:"version"`
	APIVersion       string                 `json:"apiVersion"`
	PluginType       PluginType             `json:"pluginType"`
	DataType         DataType               `json:"dataType,omitempty"`
	Entry            string                 `json:"entry"`
	Permissions      []string               `json:"permissions,omitempty"`
	ExposedMethods   []string               `json:"exposedMethods,omitempty"`
	SubscribedEvents []string               `json:"subscribedEvents,omitempty"`
	ConfigSchema     map[string]ConfigField `json:"configSchema,omitempty"`
	Files            map[string]string      `json:"files"`
	Signature        string                 `json:"signature,omitempty"`
}

var (
	kebabRe  = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
)

// Parse decodes a manifest and returns both the typed form and the raw JSON
// object used for signature verification.
func Parse(raw []byte) (*Manifest, map[string]any, error) {
	// Unknown fields are tolerated for forward compatibility; only syntax
	// and type errors reject the manifest.
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, hosterr.Wrap(hosterr.CodeManifestParse, err, "parse manifest")
	}

	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, nil, hosterr.Wrap(hosterr.CodeManifestParse, err, "parse manifest object")
	}

	if err := m.Validate(); err != nil {
		return nil, nil, err
	}
	return &m, asMap, nil
}

// Validate checks the structural invariants.
func (m *Manifest) Validate() error {
	if m.ID == "" || !kebabRe.MatchString(m.ID) {
		return hosterr.New(hosterr.CodeManifestInvariant, "id %q is not kebab-case", m.ID)
	}
	if m.Name == "" {
		return hosterr.New(hosterr.CodeManifestInvariant, "name is required")
	}
	if !semverRe.MatchString(m.Version) {
		return hosterr.New(hosterr.CodeManifestInvariant, "version %q is not semver", m.Version)
	}
	if m.PluginType != PluginTypeData && m.PluginType != PluginTypeBackground {
		return hosterr.New(hosterr.CodeManifestInvariant, "pluginType %q unknown", m.PluginType)
	}
	switch m.DataType {
	case "", DataTypeUsage, DataTypeBalance, DataTypeStatus, DataTypeCustom:
	default:
		return hosterr.New(hosterr.CodeManifestInvariant, "dataType %q unknown", m.DataType)
	}
	if m.Entry == "" {
		return hosterr.New(hosterr.CodeManifestInvariant, "entry is required")
	}
	if _, err := pluginfs.SplitRelative(m.Entry); err != nil {
		return hosterr.Wrap(hosterr.CodeManifestInvariant, err, "entry path")
	}
	if len(m.Files) == 0 {
		return hosterr.New(hosterr.CodeManifestInvariant, "files map is required")
	}
	for rel := range m.Files {
		if _, err := pluginfs.SplitRelative(rel); err != nil {
			return hosterr.Wrap(hosterr.CodeManifestInvariant, err, "files entry %q", rel)
		}
	}
	if _, ok := m.Files[m.Entry]; !ok {
		return hosterr.New(hosterr.CodeManifestInvariant, "files must cover entry %q", m.Entry)
	}
	if err := m.checkAPIVersion(); err != nil {
		return err
	}
	for name, field := range m.ConfigSchema {
		switch field.Type {
		case "string", "number", "boolean":
		default:
			return hosterr.New(hosterr.CodeManifestInvariant, "configSchema field %q has unknown type %q", name, field.Type)
		}
	}
	return nil
}

func (m *Manifest) checkAPIVersion() error {
	parts := strings.Split(m.APIVersion, ".")
	if len(parts) != 2 {
		return hosterr.New(hosterr.CodeManifestInvariant, "apiVersion %q is not major.minor", m.APIVersion)
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || major < 0 || minor < 0 {
		return hosterr.New(hosterr.CodeManifestInvariant, "apiVersion %q is not numeric", m.APIVersion)
	}
	if major != CurrentAPIMajor || minor > CurrentAPIMinor {
		return hosterr.New(hosterr.CodeIncompatibleAPIVersion,
			"plugin requires api %s, runtime supports %d.0 through %d.%d",
			m.APIVersion, CurrentAPIMajor, CurrentAPIMajor, CurrentAPIMinor)
	}
	return nil
}

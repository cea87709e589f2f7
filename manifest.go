package patchup

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestName is the project manifest filename looked up in the project
// root.
const ManifestName = "patchup.yaml"

// ManifestOrigin is one managed upstream in the project manifest.
type ManifestOrigin struct {
	Kind     string `yaml:"kind"`
	Location string `yaml:"location"`
	Ref      string `yaml:"ref,omitempty"`

	// Target is the workspace directory the origin materializes into,
	// relative to the project root.
	Target string `yaml:"target,omitempty"`

	// Patches is the patch set directory, relative to the project root.
	Patches string `yaml:"patches,omitempty"`

	// Normalize declares line-ending policy; the only recognized value
	// is "lf". Empty means no normalization.
	Normalize string `yaml:"normalize,omitempty"`
}

// Origin converts the manifest record into an engine origin value.
func (mo ManifestOrigin) Origin() Origin {
	return Origin{Kind: OriginKind(mo.Kind), Location: mo.Location, Ref: mo.Ref}
}

// Manifest is the declarative project description. The engine treats it
// as an opaque input yielding origins and path configuration; deep
// validation belongs to the layer that authors it.
type Manifest struct {
	Project   string           `yaml:"project,omitempty"`
	Origins   []ManifestOrigin `yaml:"origins"`
	Ignore    []string         `yaml:"ignore,omitempty"`
	Overwrite []string         `yaml:"overwrite,omitempty"`
}

// LoadManifest reads and parses a manifest file, filling per-origin
// target and patch directory defaults.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Origins) == 0 {
		return nil, fmt.Errorf("manifest %s declares no origins", path)
	}

	for i := range m.Origins {
		o := &m.Origins[i]
		if o.Target == "" {
			o.Target = "src"
		}
		if o.Patches == "" {
			o.Patches = "patches"
		}
	}

	seen := make(map[string]int)
	for _, o := range m.Origins {
		seen[o.Target]++
		if seen[o.Target] > 1 {
			return nil, fmt.Errorf("manifest %s: target %q used by more than one origin", path, o.Target)
		}
	}

	return &m, nil
}

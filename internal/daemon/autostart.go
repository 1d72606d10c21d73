// Autostart manifest discovery (spec §4.11 "on start": "discover and
// register every module manifest or script in the autostart directory").
//
// Has no direct teacher analogue — the teacher has no autostart concept —
// so the manifest shape is new. JSON manifests are decoded with
// encoding/json and YAML manifests with yaml.v3.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModuleManifest describes one autostart unit: either a module the daemon
// should register against itself, or an agent to launch through the agent
// pool. Both manifest shapes share this struct; Command/Args/Env are only
// meaningful for the agent-launch case.
type ModuleManifest struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Command     string            `json:"command" yaml:"command"`
	Args        []string          `json:"args" yaml:"args"`
	Env         map[string]string `json:"env" yaml:"env"`
	Capability  string            `json:"capability" yaml:"capability"`
}

// LoadManifests reads every *.module.json / *.module.yaml / *.module.yml
// file directly under dir (non-recursive) and returns them sorted by name
// for deterministic registration order. A missing directory yields an
// empty list, not an error — a fresh install has no autostart units yet.
func LoadManifests(dir string) ([]ModuleManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read autostart dir: %w", err)
	}

	var manifests []ModuleManifest
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)

		var manifest ModuleManifest
		switch {
		case strings.HasSuffix(name, ".module.json"):
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read manifest %s: %w", name, err)
			}
			if err := json.Unmarshal(data, &manifest); err != nil {
				return nil, fmt.Errorf("parse manifest %s: %w", name, err)
			}
		case strings.HasSuffix(name, ".module.yaml"), strings.HasSuffix(name, ".module.yml"):
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read manifest %s: %w", name, err)
			}
			if err := yaml.Unmarshal(data, &manifest); err != nil {
				return nil, fmt.Errorf("parse manifest %s: %w", name, err)
			}
		default:
			continue
		}

		if manifest.Name == "" {
			manifest.Name = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(name, ".json"), ".yaml"), ".yml")
		}
		manifests = append(manifests, manifest)
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })
	return manifests, nil
}

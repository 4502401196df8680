package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/pagerelay/pagerelay/internal/logging"
)

// ModelParams bundles a concrete model id with the generation parameters
// the destination call should use.
type ModelParams struct {
	ModelID     string
	Temperature float64
	MaxTokens   int
}

// ModelInfo describes one model offered by a platform.
type ModelInfo struct {
	ID          string  `yaml:"id"`
	DisplayName string  `yaml:"displayName,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"maxTokens,omitempty"`
	Preferred   bool    `yaml:"preferred,omitempty"`
}

// PlatformModels holds the model policy for one platform.
type PlatformModels struct {
	DefaultModel string      `yaml:"defaultModel,omitempty"`
	Models       []ModelInfo `yaml:"models,omitempty"`
}

// ModelAlias maps a user-friendly alias to a model id.
type ModelAlias struct {
	Alias   string `yaml:"alias"`
	ModelID string `yaml:"modelId"`
}

// PolicyFile is the YAML structure of models.yaml: per-platform model lists,
// aliases, and the globally preferred platform.
type PolicyFile struct {
	Version         string                    `yaml:"version"`
	UpdatedAt       string                    `yaml:"updatedAt,omitempty"`
	DefaultPlatform string                    `yaml:"defaultPlatform,omitempty"`
	Aliases         []ModelAlias              `yaml:"aliases,omitempty"`
	Platforms       map[string]PlatformModels `yaml:"platforms,omitempty"`
}

// Policy is the hot-reloadable model-parameter policy backed by models.yaml.
type Policy struct {
	path string

	mu      sync.RWMutex
	current *PolicyFile

	watcher *fsnotify.Watcher
}

// LoadPolicy reads models.yaml from dataDir, tolerating a missing file.
func LoadPolicy(dataDir string) *Policy {
	p := &Policy{path: filepath.Join(dataDir, "models.yaml")}
	p.current = p.loadFromYAML()
	return p
}

func (p *Policy) loadFromYAML() *PolicyFile {
	empty := &PolicyFile{
		Version:   "1.0",
		Platforms: make(map[string]PlatformModels),
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return empty
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		logging.Warnf("resolve: malformed %s, using empty policy: %v", p.path, err)
		return empty
	}
	if pf.Platforms == nil {
		pf.Platforms = make(map[string]PlatformModels)
	}
	return &pf
}

// Reload re-reads the policy file.
func (p *Policy) Reload() {
	pf := p.loadFromYAML()
	p.mu.Lock()
	p.current = pf
	p.mu.Unlock()
}

// Save writes the policy back to disk and updates the in-memory copy.
func (p *Policy) Save(pf *PolicyFile) error {
	pf.UpdatedAt = time.Now().Format(time.RFC3339)
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(pf)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return err
	}
	p.mu.Lock()
	p.current = pf
	p.mu.Unlock()
	return nil
}

// DefaultPlatform returns the globally preferred platform, if configured.
func (p *Policy) DefaultPlatform() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.DefaultPlatform
}

// ResolveModel turns an optional explicit model (or alias) into concrete
// generation parameters for the platform.
func (p *Policy) ResolveModel(platformID, explicit string) (ModelParams, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pf := p.current
	platform := pf.Platforms[platformID]

	want := explicit
	// Aliases apply before model lookup so "quick" can name any model.
	for _, a := range pf.Aliases {
		if a.Alias == want {
			want = a.ModelID
			break
		}
	}

	if want == "" {
		want = platform.DefaultModel
	}
	if want == "" {
		for _, m := range platform.Models {
			if m.Preferred {
				want = m.ID
				break
			}
		}
	}
	if want == "" && len(platform.Models) > 0 {
		want = platform.Models[0].ID
	}
	if want == "" {
		return ModelParams{}, fmt.Errorf("no model configured for platform %q", platformID)
	}

	params := ModelParams{ModelID: want}
	for _, m := range platform.Models {
		if m.ID == want {
			params.Temperature = m.Temperature
			params.MaxTokens = m.MaxTokens
			break
		}
	}
	return params, nil
}

// StartWatcher begins watching the data directory for models.yaml changes
// and reloads the policy on write, debounced against editor write bursts.
func (p *Policy) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}
	p.watcher = watcher

	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(p.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(100*time.Millisecond, func() {
						logging.Infof("resolve: models.yaml changed, reloading")
						p.Reload()
					})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warnf("resolve: watcher error: %v", err)
			}
		}
	}()
	return nil
}

// StopWatcher stops the file watcher.
func (p *Policy) StopWatcher() {
	if p.watcher != nil {
		p.watcher.Close()
		p.watcher = nil
	}
}

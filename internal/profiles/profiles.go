// Package profiles loads agent profiles from YAML files on disk. A profile
// names the runtime architecture and how to launch it inside an execution
// environment.
package profiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/errdefs"
)

// Profile describes one agent configuration a session can be created from.
type Profile struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name" json:"name"`
	Architecture string            `yaml:"architecture" json:"architecture"`
	Model        string            `yaml:"model,omitempty" json:"model,omitempty"`
	Command      string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args         []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	MCPServers   []MCPServer       `yaml:"mcp_servers,omitempty" json:"mcpServers,omitempty"`
	Options      map[string]any    `yaml:"options,omitempty" json:"options,omitempty"`
}

// MCPServer is an MCP server made available to the agent.
type MCPServer struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Registry holds the profiles loaded from a directory. Reload replaces the
// whole set atomically.
type Registry struct {
	dir string
	log *logger.Logger

	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry loads every *.yaml / *.yml file under dir. A missing directory
// is not an error: the registry starts empty.
func NewRegistry(dir string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		dir:      dir,
		log:      log.WithFields(zap.String("component", "profiles")),
		profiles: make(map[string]*Profile),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the profile directory.
func (r *Registry) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Warn("profile directory missing", zap.String("dir", r.dir))
			return nil
		}
		return fmt.Errorf("failed to read profile directory %s: %w", r.dir, err)
	}

	loaded := make(map[string]*Profile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		profile, err := loadFile(path)
		if err != nil {
			return fmt.Errorf("failed to load profile %s: %w", path, err)
		}
		if _, dup := loaded[profile.ID]; dup {
			return fmt.Errorf("duplicate profile id %q in %s", profile.ID, path)
		}
		loaded[profile.ID] = profile
	}

	r.mu.Lock()
	r.profiles = loaded
	r.mu.Unlock()

	r.log.Info("profiles loaded", zap.Int("count", len(loaded)))
	return nil
}

func loadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, err
	}
	if profile.ID == "" {
		profile.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if profile.Name == "" {
		profile.Name = profile.ID
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Validate checks the fields every profile must carry.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	switch p.Architecture {
	case "claude-sdk", "opencode":
		return nil
	case "":
		return fmt.Errorf("profile %q: architecture is required", p.ID)
	default:
		return fmt.Errorf("profile %q: unsupported architecture %q", p.ID, p.Architecture)
	}
}

// List returns all profiles sorted by id.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the profile with the given id.
func (r *Registry) Get(id string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil, errdefs.NotFound("agent profile", id)
	}
	return p, nil
}

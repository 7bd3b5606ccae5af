package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/gitsyncd/internal/ignore"
)

// TargetKind selects the resource kind a target syncs into
type TargetKind string

const (
	KindFiles TargetKind = "files"
	KindFlows TargetKind = "flows"
	KindKV    TargetKind = "kv"
)

// ArtifactBackend selects where diff artifacts are stored
type ArtifactBackend string

const (
	BackendLocal ArtifactBackend = "local"
	BackendGCS   ArtifactBackend = "gcs"
)

// DefaultTenant is used for targets without a tenant
const DefaultTenant = "main"

// Config represents the complete gitsyncd configuration
type Config struct {
	Repo      RepoConfig      `yaml:"repo"`
	Paths     PathsConfig     `yaml:"paths"`
	Auth      AuthConfig      `yaml:"auth"`
	Stores    StoresConfig    `yaml:"stores"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Sync      SyncConfig      `yaml:"sync"`
	Targets   []TargetConfig  `yaml:"targets"`
	Serve     ServeConfig     `yaml:"serve"`
}

// RepoConfig configures the Git repository source
type RepoConfig struct {
	URL string `yaml:"url"`
	Ref string `yaml:"ref"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// StoresConfig locates the live stores of each resource kind
type StoresConfig struct {
	FilesDir string `yaml:"files_dir"`
	FlowsDB  string `yaml:"flows_db"`
	KVDir    string `yaml:"kv_dir"`
}

// ArtifactsConfig configures the blob store receiving diff artifacts
type ArtifactsConfig struct {
	Backend         ArtifactBackend `yaml:"backend"`
	Dir             string          `yaml:"dir"`
	Bucket          string          `yaml:"bucket"`
	Prefix          string          `yaml:"prefix"`
	CredentialsFile string          `yaml:"credentials_file"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	// Parallelism limits how many targets reconcile at once
	Parallelism int    `yaml:"parallelism"`
	IgnoreFile  string `yaml:"ignore_file"`
}

// TargetConfig maps a directory of the repository onto one namespace
type TargetConfig struct {
	Name      string     `yaml:"name"`
	Kind      TargetKind `yaml:"kind"`
	Tenant    string     `yaml:"tenant"`
	Namespace string     `yaml:"namespace"`
	// GitDir is relative to the checkout root
	GitDir  string   `yaml:"git_dir"`
	Delete  bool     `yaml:"delete"`
	Recurse *bool    `yaml:"recurse"`
	Keep    []string `yaml:"keep"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.Ref = os.ExpandEnv(c.Repo.Ref)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Stores.FilesDir = os.ExpandEnv(c.Stores.FilesDir)
	c.Stores.FlowsDB = os.ExpandEnv(c.Stores.FlowsDB)
	c.Stores.KVDir = os.ExpandEnv(c.Stores.KVDir)
	c.Artifacts.Dir = os.ExpandEnv(c.Artifacts.Dir)
	c.Artifacts.Bucket = os.ExpandEnv(c.Artifacts.Bucket)
	c.Artifacts.Prefix = os.ExpandEnv(c.Artifacts.Prefix)
	c.Artifacts.CredentialsFile = os.ExpandEnv(c.Artifacts.CredentialsFile)
	c.Sync.IgnoreFile = os.ExpandEnv(c.Sync.IgnoreFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)

	for i := range c.Targets {
		t := &c.Targets[i]
		t.Name = os.ExpandEnv(t.Name)
		t.Tenant = os.ExpandEnv(t.Tenant)
		t.Namespace = os.ExpandEnv(t.Namespace)
		t.GitDir = os.ExpandEnv(t.GitDir)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.Parallelism == 0 {
		c.Sync.Parallelism = 1
	}
	if c.Sync.IgnoreFile == "" {
		c.Sync.IgnoreFile = ignore.DefaultFile
	}
	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = BackendLocal
	}
	if c.Artifacts.Backend == BackendLocal && c.Artifacts.Dir == "" && c.Paths.StateDir != "" {
		c.Artifacts.Dir = filepath.Join(c.Paths.StateDir, "artifacts")
	}
	for i := range c.Targets {
		if c.Targets[i].Tenant == "" {
			c.Targets[i].Tenant = DefaultTenant
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}
	if c.Repo.Ref == "" {
		return fmt.Errorf("repo.ref is required")
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate auth: when auth is configured, the URL scheme must match
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	if c.Sync.Parallelism < 1 {
		return fmt.Errorf("sync.parallelism must be at least 1, got %d", c.Sync.Parallelism)
	}
	if strings.ContainsAny(c.Sync.IgnoreFile, `/\`) {
		return fmt.Errorf("sync.ignore_file must be a file name, got %s", c.Sync.IgnoreFile)
	}

	if err := c.validateArtifacts(); err != nil {
		return err
	}

	return c.validateTargets()
}

func (c *Config) validateArtifacts() error {
	switch c.Artifacts.Backend {
	case BackendLocal:
		if c.Artifacts.Dir == "" || !filepath.IsAbs(c.Artifacts.Dir) {
			return fmt.Errorf("artifacts.dir must be an absolute path: %q", c.Artifacts.Dir)
		}
	case BackendGCS:
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("artifacts.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("invalid artifacts.backend: %s (must be local or gcs)", c.Artifacts.Backend)
	}
	return nil
}

func (c *Config) validateTargets() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}

	names := make(map[string]bool, len(c.Targets))
	scopes := make(map[string]string, len(c.Targets))

	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("targets[%d].name is required", i)
		}
		if names[t.Name] {
			return fmt.Errorf("duplicate target name: %s", t.Name)
		}
		names[t.Name] = true

		if err := validateSegment("tenant", t.Tenant); err != nil {
			return fmt.Errorf("target %s: %w", t.Name, err)
		}
		if err := validateSegment("namespace", t.Namespace); err != nil {
			return fmt.Errorf("target %s: %w", t.Name, err)
		}

		if t.GitDir != "" {
			if filepath.IsAbs(t.GitDir) {
				return fmt.Errorf("target %s: git_dir must be relative to the repository: %s", t.Name, t.GitDir)
			}
			cleaned := path.Clean(filepath.ToSlash(t.GitDir))
			if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
				return fmt.Errorf("target %s: git_dir must not leave the repository: %s", t.Name, t.GitDir)
			}
		}

		if _, err := ignore.Compile(t.Keep); err != nil {
			return fmt.Errorf("target %s: invalid keep pattern: %w", t.Name, err)
		}

		switch t.Kind {
		case KindFiles:
			if c.Stores.FilesDir == "" || !filepath.IsAbs(c.Stores.FilesDir) {
				return fmt.Errorf("stores.files_dir must be an absolute path when a files target is configured")
			}
		case KindFlows:
			if c.Stores.FlowsDB == "" {
				return fmt.Errorf("stores.flows_db is required when a flows target is configured")
			}
		case KindKV:
			if c.Stores.KVDir == "" {
				return fmt.Errorf("stores.kv_dir is required when a kv target is configured")
			}
		default:
			return fmt.Errorf("target %s: invalid kind %q (must be files, flows or kv)", t.Name, t.Kind)
		}

		scope := string(t.Kind) + ":" + t.Tenant + "/" + t.Namespace
		if other, ok := scopes[scope]; ok {
			return fmt.Errorf("targets %s and %s both sync %s into %s/%s", other, t.Name, t.Kind, t.Tenant, t.Namespace)
		}
		scopes[scope] = t.Name
	}

	return nil
}

// validateSegment rejects values that cannot be used as a single path segment
func validateSegment(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if value == "." || value == ".." || strings.ContainsAny(value, `/\`) || strings.HasPrefix(value, ".") {
		return fmt.Errorf("invalid %s %q", field, value)
	}
	return nil
}

// ValidateServe checks the settings required by the webhook server
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.GitHubWebhookSecretFile == "" {
		return fmt.Errorf("serve.github_webhook_secret_file is required")
	}
	return nil
}

// RepoDir returns the path where the git repository is checked out
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.StateDir, "repo")
}

// StateFilePath returns the path to the state tracking file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// TempDir returns the directory used to stage diff artifacts
func (c *Config) TempDir() string {
	return filepath.Join(c.Paths.StateDir, "tmp")
}

// SourceDir returns the directory of the checkout a target reads from
func (c *Config) SourceDir(t TargetConfig) string {
	if t.GitDir == "" {
		return c.RepoDir()
	}
	return filepath.Join(c.RepoDir(), filepath.FromSlash(t.GitDir))
}

// Target returns the target with the given name
func (c *Config) Target(name string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return TargetConfig{}, false
}

// HasKind reports whether any target uses kind
func (c *Config) HasKind(kind TargetKind) bool {
	for _, t := range c.Targets {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// ShouldRecurse reports whether the target scans subdirectories. Files
// recurse by default, flows and kv only look at direct children.
func (t TargetConfig) ShouldRecurse() bool {
	if t.Recurse != nil {
		return *t.Recurse
	}
	return t.Kind == KindFiles
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	content := `
repo:
  url: "git@github.com:test/repo.git"
  ref: "refs/heads/main"

paths:
  state_dir: "/home/user/.local/state/gitsyncd"

stores:
  files_dir: "/srv/gitsyncd/files"
  flows_db: "/srv/gitsyncd/flows.db"

sync:
  parallelism: 2

targets:
  - name: company-files
    kind: files
    namespace: company
    git_dir: files
    delete: true
    keep: ["/local/"]
  - name: company-flows
    kind: flows
    tenant: acme
    namespace: company
    git_dir: flows
    recurse: true

auth:
  ssh_key_file: "/home/user/.ssh/key"
`

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Repo.URL != "git@github.com:test/repo.git" {
		t.Errorf("expected URL git@github.com:test/repo.git, got %s", cfg.Repo.URL)
	}
	if cfg.Sync.Parallelism != 2 {
		t.Errorf("expected parallelism 2, got %d", cfg.Sync.Parallelism)
	}
	if cfg.Sync.IgnoreFile != ".syncignore" {
		t.Errorf("expected default ignore file, got %s", cfg.Sync.IgnoreFile)
	}
	if cfg.Artifacts.Backend != BackendLocal {
		t.Errorf("expected local artifact backend, got %s", cfg.Artifacts.Backend)
	}
	if cfg.Artifacts.Dir != "/home/user/.local/state/gitsyncd/artifacts" {
		t.Errorf("unexpected artifacts dir %s", cfg.Artifacts.Dir)
	}
	if len(cfg.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(cfg.Targets))
	}
	if cfg.Targets[0].Tenant != DefaultTenant {
		t.Errorf("expected default tenant, got %s", cfg.Targets[0].Tenant)
	}
	if cfg.Targets[1].Tenant != "acme" {
		t.Errorf("expected tenant acme, got %s", cfg.Targets[1].Tenant)
	}
	if !cfg.Targets[1].ShouldRecurse() {
		t.Error("expected flows target to recurse when configured")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("repo: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

// validConfig returns a configuration that passes validation
func validConfig() Config {
	return Config{
		Repo: RepoConfig{
			URL: "git@github.com:test/repo.git",
			Ref: "main",
		},
		Paths: PathsConfig{
			StateDir: "/absolute/state",
		},
		Auth: AuthConfig{
			SSHKeyFile: "/key",
		},
		Stores: StoresConfig{
			FilesDir: "/absolute/files",
			FlowsDB:  "/absolute/flows.db",
			KVDir:    "/absolute/kv",
		},
		Artifacts: ArtifactsConfig{
			Backend: BackendLocal,
			Dir:     "/absolute/artifacts",
		},
		Sync: SyncConfig{
			Parallelism: 1,
			IgnoreFile:  ".syncignore",
		},
		Targets: []TargetConfig{
			{Name: "files", Kind: KindFiles, Tenant: "main", Namespace: "company"},
			{Name: "flows", Kind: KindFlows, Tenant: "main", Namespace: "company", GitDir: "flows"},
			{Name: "kv", Kind: KindKV, Tenant: "main", Namespace: "company", GitDir: "kv"},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing repo URL",
			mutate:  func(c *Config) { c.Repo.URL = "" },
			wantErr: "repo.url",
		},
		{
			name:    "missing repo ref",
			mutate:  func(c *Config) { c.Repo.Ref = "" },
			wantErr: "repo.ref",
		},
		{
			name:    "missing state_dir",
			mutate:  func(c *Config) { c.Paths.StateDir = "" },
			wantErr: "state_dir",
		},
		{
			name:    "relative state_dir",
			mutate:  func(c *Config) { c.Paths.StateDir = "relative/state" },
			wantErr: "absolute",
		},
		{
			name: "no auth method is valid for public repos",
			mutate: func(c *Config) {
				c.Repo.URL = "https://github.com/test/repo.git"
				c.Auth = AuthConfig{}
			},
		},
		{
			name:    "both ssh key and https token set",
			mutate:  func(c *Config) { c.Auth.HTTPSTokenFile = "/token" },
			wantErr: "only one of",
		},
		{
			name:    "ssh key with https url",
			mutate:  func(c *Config) { c.Repo.URL = "https://github.com/test/repo.git" },
			wantErr: "SSH scheme",
		},
		{
			name: "https token with ssh url",
			mutate: func(c *Config) {
				c.Auth = AuthConfig{HTTPSTokenFile: "/token"}
			},
			wantErr: "HTTPS scheme",
		},
		{
			name:    "zero parallelism",
			mutate:  func(c *Config) { c.Sync.Parallelism = 0 },
			wantErr: "parallelism",
		},
		{
			name:    "ignore file with directory",
			mutate:  func(c *Config) { c.Sync.IgnoreFile = "sub/.syncignore" },
			wantErr: "ignore_file",
		},
		{
			name:    "unknown artifact backend",
			mutate:  func(c *Config) { c.Artifacts.Backend = "s3" },
			wantErr: "artifacts.backend",
		},
		{
			name:    "relative artifacts dir",
			mutate:  func(c *Config) { c.Artifacts.Dir = "artifacts" },
			wantErr: "artifacts.dir",
		},
		{
			name: "gcs without bucket",
			mutate: func(c *Config) {
				c.Artifacts = ArtifactsConfig{Backend: BackendGCS}
			},
			wantErr: "artifacts.bucket",
		},
		{
			name: "gcs with bucket",
			mutate: func(c *Config) {
				c.Artifacts = ArtifactsConfig{Backend: BackendGCS, Bucket: "diffs", Prefix: "gitsyncd"}
			},
		},
		{
			name:    "no targets",
			mutate:  func(c *Config) { c.Targets = nil },
			wantErr: "at least one target",
		},
		{
			name:    "target without name",
			mutate:  func(c *Config) { c.Targets[0].Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "duplicate target name",
			mutate:  func(c *Config) { c.Targets[1].Name = "files" },
			wantErr: "duplicate target name",
		},
		{
			name:    "invalid kind",
			mutate:  func(c *Config) { c.Targets[0].Kind = "secrets" },
			wantErr: "invalid kind",
		},
		{
			name:    "missing namespace",
			mutate:  func(c *Config) { c.Targets[0].Namespace = "" },
			wantErr: "namespace is required",
		},
		{
			name:    "namespace with separator",
			mutate:  func(c *Config) { c.Targets[0].Namespace = "a/b" },
			wantErr: "invalid namespace",
		},
		{
			name:    "hidden tenant",
			mutate:  func(c *Config) { c.Targets[0].Tenant = ".gitsyncd" },
			wantErr: "invalid tenant",
		},
		{
			name:    "absolute git_dir",
			mutate:  func(c *Config) { c.Targets[0].GitDir = "/etc" },
			wantErr: "relative",
		},
		{
			name:    "git_dir escaping the repository",
			mutate:  func(c *Config) { c.Targets[0].GitDir = "sub/../../x" },
			wantErr: "must not leave",
		},
		{
			name:    "invalid keep pattern",
			mutate:  func(c *Config) { c.Targets[0].Keep = []string{"[broken"} },
			wantErr: "keep pattern",
		},
		{
			name:    "same scope and kind twice",
			mutate:  func(c *Config) { c.Targets[1].Kind = KindFiles },
			wantErr: "both sync",
		},
		{
			name: "same scope different tenant",
			mutate: func(c *Config) {
				c.Targets[1].Kind = KindFiles
				c.Targets[1].Tenant = "other"
			},
		},
		{
			name:    "files target without files_dir",
			mutate:  func(c *Config) { c.Stores.FilesDir = "" },
			wantErr: "stores.files_dir",
		},
		{
			name:    "flows target without database",
			mutate:  func(c *Config) { c.Stores.FlowsDB = "" },
			wantErr: "stores.flows_db",
		},
		{
			name:    "kv target without directory",
			mutate:  func(c *Config) { c.Stores.KVDir = "" },
			wantErr: "stores.kv_dir",
		},
		{
			name: "stores only required for configured kinds",
			mutate: func(c *Config) {
				c.Stores = StoresConfig{FilesDir: "/absolute/files"}
				c.Targets = c.Targets[:1]
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateServe(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateServe(); err == nil {
		t.Error("expected error without listen_addr")
	}

	cfg.Serve.ListenAddr = "127.0.0.1:8080"
	if err := cfg.ValidateServe(); err == nil {
		t.Error("expected error without webhook secret file")
	}

	cfg.Serve.GitHubWebhookSecretFile = "/secret"
	if err := cfg.ValidateServe(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := validConfig()
	cfg.Paths.StateDir = "/home/user/.local/state/gitsyncd"

	if got := cfg.RepoDir(); got != filepath.Join(cfg.Paths.StateDir, "repo") {
		t.Errorf("RepoDir() = %s, want %s", got, filepath.Join(cfg.Paths.StateDir, "repo"))
	}
	if got := cfg.StateFilePath(); got != filepath.Join(cfg.Paths.StateDir, "state.json") {
		t.Errorf("StateFilePath() = %s, want %s", got, filepath.Join(cfg.Paths.StateDir, "state.json"))
	}
	if got := cfg.TempDir(); got != filepath.Join(cfg.Paths.StateDir, "tmp") {
		t.Errorf("TempDir() = %s", got)
	}

	if _, ok := cfg.Target("flows"); !ok {
		t.Error("Target(flows) not found")
	}
	if _, ok := cfg.Target("nope"); ok {
		t.Error("Target(nope) unexpectedly found")
	}
	if !cfg.HasKind(KindKV) {
		t.Error("HasKind(kv) = false")
	}
	cfg.Targets = cfg.Targets[:1]
	if cfg.HasKind(KindKV) {
		t.Error("HasKind(kv) = true after removing kv target")
	}
}

func TestSourceDir(t *testing.T) {
	tests := []struct {
		name   string
		gitDir string
		want   string
	}{
		{
			name:   "empty git_dir returns RepoDir",
			gitDir: "",
			want:   "/state/repo",
		},
		{
			name:   "git_dir set returns RepoDir/git_dir",
			gitDir: "namespaces/company",
			want:   "/state/repo/namespaces/company",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Paths: PathsConfig{StateDir: "/state"}}
			if got := cfg.SourceDir(TargetConfig{GitDir: tt.gitDir}); got != tt.want {
				t.Errorf("SourceDir() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestShouldRecurse(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name   string
		target TargetConfig
		want   bool
	}{
		{name: "files default", target: TargetConfig{Kind: KindFiles}, want: true},
		{name: "flows default", target: TargetConfig{Kind: KindFlows}, want: false},
		{name: "kv default", target: TargetConfig{Kind: KindKV}, want: false},
		{name: "files override", target: TargetConfig{Kind: KindFiles, Recurse: &no}, want: false},
		{name: "flows override", target: TargetConfig{Kind: KindFlows, Recurse: &yes}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.ShouldRecurse(); got != tt.want {
				t.Errorf("ShouldRecurse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{
		Paths:   PathsConfig{StateDir: "/state"},
		Targets: []TargetConfig{{Name: "a"}, {Name: "b", Tenant: "acme"}},
	}
	cfg.applyDefaults()

	if cfg.Sync.Parallelism != 1 {
		t.Errorf("applyDefaults() parallelism = %d, want 1", cfg.Sync.Parallelism)
	}
	if cfg.Sync.IgnoreFile != ".syncignore" {
		t.Errorf("applyDefaults() ignore file = %q", cfg.Sync.IgnoreFile)
	}
	if cfg.Artifacts.Backend != BackendLocal || cfg.Artifacts.Dir != "/state/artifacts" {
		t.Errorf("applyDefaults() artifacts = %+v", cfg.Artifacts)
	}
	if cfg.Targets[0].Tenant != DefaultTenant {
		t.Errorf("applyDefaults() tenant = %q, want %q", cfg.Targets[0].Tenant, DefaultTenant)
	}

	// Explicit values must not be overwritten
	if cfg.Targets[1].Tenant != "acme" {
		t.Errorf("applyDefaults() overwrote explicit tenant, got %q", cfg.Targets[1].Tenant)
	}

	gcs := Config{Artifacts: ArtifactsConfig{Backend: BackendGCS}, Paths: PathsConfig{StateDir: "/state"}}
	gcs.applyDefaults()
	if gcs.Artifacts.Dir != "" {
		t.Errorf("applyDefaults() set a local dir for the gcs backend: %q", gcs.Artifacts.Dir)
	}
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		name string
		auth AuthConfig
		want string
	}{
		{
			name: "ssh key set",
			auth: AuthConfig{SSHKeyFile: "/key"},
			want: "ssh",
		},
		{
			name: "https token set",
			auth: AuthConfig{HTTPSTokenFile: "/token"},
			want: "https",
		},
		{
			name: "no auth",
			auth: AuthConfig{},
			want: "none",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Auth: tt.auth}
			if got := cfg.AuthMethod(); got != tt.want {
				t.Errorf("AuthMethod() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestURLSchemes(t *testing.T) {
	tests := []struct {
		url       string
		wantHTTPS bool
		wantSSH   bool
	}{
		{url: "https://github.com/test/repo.git", wantHTTPS: true},
		{url: "ssh://git@github.com/test/repo.git", wantSSH: true},
		{url: "git@github.com:test/repo.git", wantSSH: true},
		{url: "/srv/git/repo.git"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			cfg := Config{Repo: RepoConfig{URL: tt.url}}
			if got := cfg.IsHTTPS(); got != tt.wantHTTPS {
				t.Errorf("IsHTTPS() = %v, want %v", got, tt.wantHTTPS)
			}
			if got := cfg.IsSSH(); got != tt.wantSSH {
				t.Errorf("IsSSH() = %v, want %v", got, tt.wantSSH)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("GITSYNCD_TEST_HOME", "/home/testuser")

	cfg := Config{
		Repo: RepoConfig{
			URL: "https://github.com/${GITSYNCD_TEST_HOME}/repo.git",
			Ref: "${GITSYNCD_TEST_HOME}",
		},
		Paths: PathsConfig{
			StateDir: "${GITSYNCD_TEST_HOME}/.local/state/gitsyncd",
		},
		Auth: AuthConfig{
			SSHKeyFile:     "${GITSYNCD_TEST_HOME}/.ssh/key",
			HTTPSTokenFile: "${GITSYNCD_TEST_HOME}/token",
		},
		Stores: StoresConfig{
			FilesDir: "${GITSYNCD_TEST_HOME}/files",
			FlowsDB:  "${GITSYNCD_TEST_HOME}/flows.db",
			KVDir:    "${GITSYNCD_TEST_HOME}/kv",
		},
		Artifacts: ArtifactsConfig{
			Dir:             "${GITSYNCD_TEST_HOME}/artifacts",
			CredentialsFile: "${GITSYNCD_TEST_HOME}/sa.json",
		},
		Targets: []TargetConfig{
			{Namespace: "${GITSYNCD_TEST_HOME}", GitDir: "${GITSYNCD_TEST_HOME}/dir"},
		},
		Serve: ServeConfig{
			ListenAddr:              "${GITSYNCD_TEST_HOME}:8080",
			GitHubWebhookSecretFile: "${GITSYNCD_TEST_HOME}/secret",
		},
	}

	cfg.expandEnv()

	checks := []struct {
		name string
		got  string
		want string
	}{
		{"Repo.URL", cfg.Repo.URL, "https://github.com//home/testuser/repo.git"},
		{"Repo.Ref", cfg.Repo.Ref, "/home/testuser"},
		{"Paths.StateDir", cfg.Paths.StateDir, "/home/testuser/.local/state/gitsyncd"},
		{"Auth.SSHKeyFile", cfg.Auth.SSHKeyFile, "/home/testuser/.ssh/key"},
		{"Auth.HTTPSTokenFile", cfg.Auth.HTTPSTokenFile, "/home/testuser/token"},
		{"Stores.FilesDir", cfg.Stores.FilesDir, "/home/testuser/files"},
		{"Stores.FlowsDB", cfg.Stores.FlowsDB, "/home/testuser/flows.db"},
		{"Stores.KVDir", cfg.Stores.KVDir, "/home/testuser/kv"},
		{"Artifacts.Dir", cfg.Artifacts.Dir, "/home/testuser/artifacts"},
		{"Artifacts.CredentialsFile", cfg.Artifacts.CredentialsFile, "/home/testuser/sa.json"},
		{"Targets[0].Namespace", cfg.Targets[0].Namespace, "/home/testuser"},
		{"Targets[0].GitDir", cfg.Targets[0].GitDir, "/home/testuser/dir"},
		{"Serve.ListenAddr", cfg.Serve.ListenAddr, "/home/testuser:8080"},
		{"Serve.GitHubWebhookSecretFile", cfg.Serve.GitHubWebhookSecretFile, "/home/testuser/secret"},
	}

	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("expandEnv() %s = %s, want %s", c.name, c.got, c.want)
		}
	}
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// ManifestBackend selects where manifests are persisted
type ManifestBackend string

const (
	BackendFile ManifestBackend = "file"
	BackendBolt ManifestBackend = "bolt"
)

const (
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 5 * time.Second
	DefaultHashWorkers = 4
	DefaultDebounce    = 2 * time.Second
	DefaultPostStatus  = "publish"

	// minAppPasswordLen is the shortest trimmed application password accepted.
	minAppPasswordLen = 11
)

// Config represents the complete pressync configuration
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Manifest ManifestConfig `yaml:"manifest"`
	Sync     SyncConfig     `yaml:"sync"`
	Sites    []SiteConfig   `yaml:"sites"`
	Serve    ServeConfig    `yaml:"serve"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir string `yaml:"state_dir"`
}

// ManifestConfig configures manifest persistence
type ManifestConfig struct {
	Backend ManifestBackend `yaml:"backend"`
}

// SyncConfig configures sync behavior shared by all sites
type SyncConfig struct {
	Force         bool          `yaml:"force"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Verbose       bool          `yaml:"verbose"`
	TouchPostDate bool          `yaml:"touch_post_date"`
	HashWorkers   int           `yaml:"hash_workers"`
}

// SiteConfig describes one remote site and the corpus published to it
type SiteConfig struct {
	Name     string       `yaml:"name"`
	Domain   string       `yaml:"domain"`
	Username string       `yaml:"username"`
	Auth     SiteAuth     `yaml:"auth"`
	Corpus   CorpusConfig `yaml:"corpus"`
	Manifest string       `yaml:"manifest"`
	Post     PostConfig   `yaml:"post"`
}

// SiteAuth points at the files holding the site credentials
type SiteAuth struct {
	ApplicationPasswordFile string `yaml:"application_password_file"`
	PasswordFile            string `yaml:"password_file"`
}

// CorpusConfig locates the Markdown documents of a site. Without a repo, Dir
// is an absolute directory; with a repo, Dir is a path inside the checkout.
type CorpusConfig struct {
	Dir  string      `yaml:"dir"`
	Repo *RepoConfig `yaml:"repo"`
}

// RepoConfig configures the Git repository a corpus is checked out from
type RepoConfig struct {
	URL            string `yaml:"url"`
	Ref            string `yaml:"ref"`
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// PostConfig holds the default metadata of every post of a site
type PostConfig struct {
	Status        string   `yaml:"status"`
	Categories    []string `yaml:"categories"`
	Tags          []string `yaml:"tags"`
	CommentStatus string   `yaml:"comment_status"`
}

// ServeConfig configures the trigger server
type ServeConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ListenAddr        string        `yaml:"listen_addr"`
	WebhookSecretFile string        `yaml:"webhook_secret_file"`
	AllowedRefs       []string      `yaml:"allowed_refs"`
	Watch             bool          `yaml:"watch"`
	Debounce          time.Duration `yaml:"debounce"`
}

// AuthMode is the publishing API a site is reached through
type AuthMode string

const (
	AuthREST   AuthMode = "rest"
	AuthXMLRPC AuthMode = "xmlrpc"
)

// Credentials are the secrets read from a site's auth files
type Credentials struct {
	Mode                AuthMode
	ApplicationPassword string
	Password            string
}

var siteNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func init() {
	// Report validation errors with the YAML key names users write.
	validation.ErrorTag = "yaml"
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

// expandEnv expands environment variables in all path-like string fields
func (c *Config) expandEnv() {
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)

	for i := range c.Sites {
		s := &c.Sites[i]
		s.Domain = os.ExpandEnv(s.Domain)
		s.Username = os.ExpandEnv(s.Username)
		s.Auth.ApplicationPasswordFile = os.ExpandEnv(s.Auth.ApplicationPasswordFile)
		s.Auth.PasswordFile = os.ExpandEnv(s.Auth.PasswordFile)
		s.Corpus.Dir = os.ExpandEnv(s.Corpus.Dir)
		s.Manifest = os.ExpandEnv(s.Manifest)
		if r := s.Corpus.Repo; r != nil {
			r.URL = os.ExpandEnv(r.URL)
			r.Ref = os.ExpandEnv(r.Ref)
			r.SSHKeyFile = os.ExpandEnv(r.SSHKeyFile)
			r.HTTPSTokenFile = os.ExpandEnv(r.HTTPSTokenFile)
		}
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Manifest.Backend == "" {
		c.Manifest.Backend = BackendFile
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = DefaultMaxRetries
	}
	if c.Sync.RetryDelay == 0 {
		c.Sync.RetryDelay = DefaultRetryDelay
	}
	if c.Sync.HashWorkers == 0 {
		c.Sync.HashWorkers = DefaultHashWorkers
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = DefaultDebounce
	}
	for i := range c.Sites {
		s := &c.Sites[i]
		if s.Post.Status == "" {
			s.Post.Status = DefaultPostStatus
		}
		if s.Corpus.Repo != nil && s.Corpus.Repo.Ref == "" {
			s.Corpus.Repo.Ref = "main"
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	switch c.Manifest.Backend {
	case BackendFile, BackendBolt:
		// valid
	default:
		return fmt.Errorf("invalid manifest.backend: %s (must be file or bolt)", c.Manifest.Backend)
	}

	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.RetryDelay < 0 {
		return fmt.Errorf("sync.retry_delay must not be negative")
	}
	if c.Sync.HashWorkers < 1 {
		return fmt.Errorf("sync.hash_workers must be at least 1, got %d", c.Sync.HashWorkers)
	}

	if len(c.Sites) == 0 {
		return fmt.Errorf("at least one site must be configured")
	}
	seen := make(map[string]bool, len(c.Sites))
	manifests := make(map[string]string, len(c.Sites))
	for i, s := range c.Sites {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sites[%d] (%s): %w", i, s.Name, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("sites[%d]: duplicate site name %q", i, s.Name)
		}
		seen[s.Name] = true

		if c.Manifest.Backend == BackendFile {
			p := filepath.Clean(c.ManifestPath(s))
			if other, ok := manifests[p]; ok {
				return fmt.Errorf("sites[%d] (%s): manifest %s is already used by site %s", i, s.Name, p, other)
			}
			manifests[p] = s.Name
		}
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" && c.Serve.WebhookSecretFile != "" {
			return fmt.Errorf("serve.listen_addr is required when a webhook secret is configured")
		}
		if c.Serve.WebhookSecretFile == "" && !c.Serve.Watch {
			return fmt.Errorf("serve needs serve.webhook_secret_file, serve.watch or both")
		}
		if c.Serve.Debounce < 0 {
			return fmt.Errorf("serve.debounce must not be negative")
		}
	}

	return nil
}

// Validate checks a single site. Field rules use ozzo-validation; rules that
// span fields are explicit.
func (s SiteConfig) Validate() error {
	err := validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.Required, validation.Match(siteNamePattern)),
		validation.Field(&s.Domain, validation.Required, validation.By(httpURL)),
		validation.Field(&s.Username, validation.Required),
		validation.Field(&s.Auth),
		validation.Field(&s.Corpus),
		validation.Field(&s.Manifest, validation.By(absolutePath)),
		validation.Field(&s.Post),
	)
	if err != nil {
		return err
	}

	if s.Auth.ApplicationPasswordFile == "" && s.Auth.PasswordFile == "" {
		return fmt.Errorf("auth: one of application_password_file or password_file is required")
	}
	return nil
}

// Validate checks the credential file paths.
func (a SiteAuth) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.ApplicationPasswordFile, validation.By(absolutePath)),
		validation.Field(&a.PasswordFile, validation.By(absolutePath)),
	)
}

// Validate checks the corpus location and, if present, its repository.
func (c CorpusConfig) Validate() error {
	if c.Repo == nil {
		return validation.ValidateStruct(&c,
			validation.Field(&c.Dir, validation.Required, validation.By(absolutePath)),
		)
	}

	if filepath.IsAbs(c.Dir) || strings.HasPrefix(filepath.Clean(c.Dir), "..") {
		return fmt.Errorf("dir must be relative to the repository root when repo is set: %s", c.Dir)
	}
	if err := c.Repo.Validate(); err != nil {
		return fmt.Errorf("repo: %w", err)
	}
	return nil
}

// Validate checks the repository settings
func (r RepoConfig) Validate() error {
	if err := validation.ValidateStruct(&r,
		validation.Field(&r.URL, validation.Required),
		validation.Field(&r.Ref, validation.Required),
		validation.Field(&r.SSHKeyFile, validation.By(absolutePath)),
		validation.Field(&r.HTTPSTokenFile, validation.By(absolutePath)),
	); err != nil {
		return err
	}

	// Only one auth method may be configured
	if r.SSHKeyFile != "" && r.HTTPSTokenFile != "" {
		return fmt.Errorf("only one of ssh_key_file or https_token_file may be set")
	}
	// When auth is configured, the URL scheme must match
	if r.SSHKeyFile != "" && !r.IsSSH() {
		return fmt.Errorf("ssh_key_file is set but url does not use an SSH scheme (git@ or ssh://)")
	}
	if r.HTTPSTokenFile != "" && !r.IsHTTPS() {
		return fmt.Errorf("https_token_file is set but url does not use HTTPS scheme")
	}
	return nil
}

// Validate checks the post defaults against the values WordPress accepts.
func (p PostConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Status, validation.In("publish", "draft", "pending", "private")),
		validation.Field(&p.CommentStatus, validation.In("open", "closed")),
	)
}

func httpURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("must be an http or https URL")
	}
	return nil
}

func absolutePath(value any) error {
	s, _ := value.(string)
	if s != "" && !filepath.IsAbs(s) {
		return errors.New("must be an absolute path")
	}
	return nil
}

// IgnoredManifestOverrides returns the sites whose manifest override has no
// effect because the bolt backend keeps every manifest in one database.
func (c *Config) IgnoredManifestOverrides() []string {
	if c.Manifest.Backend != BackendBolt {
		return nil
	}
	var names []string
	for _, s := range c.Sites {
		if s.Manifest != "" {
			names = append(names, s.Name)
		}
	}
	return names
}

// Site returns the site with the given name.
func (c *Config) Site(name string) (SiteConfig, bool) {
	for _, s := range c.Sites {
		if s.Name == name {
			return s, true
		}
	}
	return SiteConfig{}, false
}

// ManifestDir returns the directory holding per-site manifest files
func (c *Config) ManifestDir() string {
	return filepath.Join(c.Paths.StateDir, "manifests")
}

// ManifestPath returns the manifest file of a site for the file backend
func (c *Config) ManifestPath(site SiteConfig) string {
	if site.Manifest != "" {
		return site.Manifest
	}
	return filepath.Join(c.ManifestDir(), site.Name+".json")
}

// ManifestPaths returns the explicit manifest overrides keyed by site name
func (c *Config) ManifestPaths() map[string]string {
	paths := make(map[string]string)
	for _, s := range c.Sites {
		if s.Manifest != "" {
			paths[s.Name] = s.Manifest
		}
	}
	return paths
}

// BoltPath returns the database file used by the bolt backend
func (c *Config) BoltPath() string {
	return filepath.Join(c.Paths.StateDir, "manifests.db")
}

// RepoDir returns the path where a site's git repository is checked out
func (c *Config) RepoDir(site SiteConfig) string {
	return filepath.Join(c.Paths.StateDir, "repos", site.Name)
}

// CorpusDir returns the directory scanned for a site's documents
func (c *Config) CorpusDir(site SiteConfig) string {
	if site.Corpus.Repo == nil {
		return site.Corpus.Dir
	}
	if site.Corpus.Dir == "" {
		return c.RepoDir(site)
	}
	return filepath.Join(c.RepoDir(site), site.Corpus.Dir)
}

// AuthMode returns the API a site prefers from its configuration alone. An
// application password takes precedence over the account password; the mode
// actually used is reported by Credentials.
func (s SiteConfig) AuthMode() AuthMode {
	if s.Auth.ApplicationPasswordFile != "" {
		return AuthREST
	}
	return AuthXMLRPC
}

// Credentials reads the site's credential files. An application password
// shorter than minAppPasswordLen is not usable; the site then falls back to
// the account password if one is configured.
func (s SiteConfig) Credentials() (Credentials, error) {
	var appErr error
	if s.Auth.ApplicationPasswordFile != "" {
		secret, err := readSecret(s.Auth.ApplicationPasswordFile)
		switch {
		case err != nil:
			return Credentials{}, fmt.Errorf("failed to read application password: %w", err)
		case len(secret) >= minAppPasswordLen:
			return Credentials{Mode: AuthREST, ApplicationPassword: secret}, nil
		}
		appErr = fmt.Errorf("application password in %s is too short", s.Auth.ApplicationPasswordFile)
		if s.Auth.PasswordFile == "" {
			return Credentials{}, appErr
		}
	}

	secret, err := readSecret(s.Auth.PasswordFile)
	if err != nil {
		return Credentials{}, errors.Join(appErr, fmt.Errorf("failed to read password: %w", err))
	}
	if secret == "" {
		return Credentials{}, errors.Join(appErr, fmt.Errorf("password file %s is empty", s.Auth.PasswordFile))
	}
	return Credentials{Mode: AuthXMLRPC, Password: secret}, nil
}

func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// AuthMethod returns a description of the configured git auth method
func (r RepoConfig) AuthMethod() string {
	if r.SSHKeyFile != "" {
		return "ssh"
	}
	if r.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (r RepoConfig) IsHTTPS() bool {
	return strings.HasPrefix(r.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (r RepoConfig) IsSSH() bool {
	return strings.HasPrefix(r.URL, "git@") || strings.HasPrefix(r.URL, "ssh://")
}

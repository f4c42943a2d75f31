package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for harvest.
type Config struct {
	RootDir    string           `toml:"root_dir"`
	LogDir     string           `toml:"log_dir"`
	Sections   []SectionConfig  `toml:"sections"`
	Crawl      CrawlConfig      `toml:"crawl"`
	Fetch      FetchConfig      `toml:"fetch"`
	Media      MediaConfig      `toml:"media"`
	Links      TableConfig      `toml:"links"`
	Details    TableConfig      `toml:"details"`
	Snapshots  SnapshotConfig   `toml:"snapshots"`
	Database   DatabaseConfig   `toml:"database"`
	Vault      VaultConfig      `toml:"vault"`
	Encryption EncryptionConfig `toml:"encryption"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Extract    ExtractConfig    `toml:"extract"`
}

// SectionConfig is one listing section to crawl.
type SectionConfig struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// CrawlConfig controls pacing and termination of link discovery and the detail pass.
type CrawlConfig struct {
	DetailScope    string   `toml:"detail_scope"` // "seen" (default), "unresolved" or "all"
	PageDelay      Duration `toml:"page_delay"`
	DetailDelay    Duration `toml:"detail_delay"`
	ErrorWait      Duration `toml:"error_wait"`
	MaxEmptyPages  int      `toml:"max_empty_pages"`
	MaxPageRetries int      `toml:"max_page_retries"`
}

// FetchConfig is the retry and timeout policy shared by every network call.
type FetchConfig struct {
	UserAgent         string   `toml:"user_agent"`
	MaxAttempts       int      `toml:"max_attempts"`
	BackoffUnit       Duration `toml:"backoff_unit"`
	BackoffBase       float64  `toml:"backoff_base"`
	MaxBackoff        Duration `toml:"max_backoff"`
	ConnectTimeout    Duration `toml:"connect_timeout"`
	ReadTimeout       Duration `toml:"read_timeout"`
	ReadTimeoutGrowth float64  `toml:"read_timeout_growth"`
	MaxReadTimeout    Duration `toml:"max_read_timeout"`
	RetryStatuses     []int    `toml:"retry_statuses"`

	// DisableInsecureFallback turns off the final unverified attempt after
	// repeated certificate failures.
	DisableInsecureFallback bool `toml:"disable_insecure_fallback"`
}

// MediaConfig controls media downloads.
type MediaConfig struct {
	Dir          string   `toml:"dir"`
	Workers      int      `toml:"workers"`
	MaxAttempts  int      `toml:"max_attempts"`
	BatchTimeout Duration `toml:"batch_timeout"`
	FallbackExt  string   `toml:"fallback_ext"`
	Disabled     bool     `toml:"disabled"`
}

// TableConfig selects the backend of a record table.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type TableConfig struct {
	Type  string `toml:"type"`            // "sqlite", "csv", "xlsx" or "memory"
	Path  string `toml:"path,omitempty"`  // only used for csv and xlsx
	Sheet string `toml:"sheet,omitempty"` // only used for xlsx
}

// SnapshotConfig sets where dated new/changed record files are written.
type SnapshotConfig struct {
	Dir string `toml:"dir"`
}

// DatabaseConfig represents configuration for the run database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type string `toml:"type"`           // "sqlite" or "memory"
	Path string `toml:"path,omitempty"` // only used for type=sqlite
}

// VaultConfig represents configuration for the archive vault.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "none" (default), "memory", "s3" or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket       string `toml:"s3_bucket,omitempty"`
	S3Prefix       string `toml:"s3_prefix,omitempty"`
	S3Region       string `toml:"s3_region,omitempty"`
	S3Endpoint     string `toml:"s3_endpoint,omitempty"`
	S3UsePathStyle bool   `toml:"s3_use_path_style,omitempty"`
	S3AccessKey    string `toml:"s3_access_key,omitempty"`
	S3SecretKey    string `toml:"s3_secret_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for archive encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// MetricsConfig controls the Prometheus textfile written after each run.
type MetricsConfig struct {
	TextfilePath string `toml:"textfile_path"` // empty disables
}

// ExtractConfig overrides the site markup the extractors look for.
// Empty values keep the built-in defaults.
type ExtractConfig struct {
	LinkPattern   string `toml:"link_pattern"`
	NoResultsText string `toml:"no_results_text"`
	Container     string `toml:"container"`
	ImageMarker   string `toml:"image_marker"`
}

// DefaultUserAgent is sent with every request unless configured otherwise.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// NewConfig creates a complete default Config rooted at rootDir, crawling
// the two listing sections of baseURL.
func NewConfig(rootDir, baseURL string) *Config {
	base := strings.TrimRight(baseURL, "/")
	return &Config{
		RootDir: rootDir,
		LogDir:  filepath.Join(rootDir, "log"),
		Sections: []SectionConfig{
			{Name: "ads-3", URL: base + "/ads/3"},
			{Name: "ads-1", URL: base + "/ads/1"},
		},
		Crawl: CrawlConfig{
			DetailScope:    "seen",
			PageDelay:      DurationFrom(2 * time.Second),
			DetailDelay:    DurationFrom(time.Second),
			ErrorWait:      DurationFrom(5 * time.Second),
			MaxEmptyPages:  3,
			MaxPageRetries: 5,
		},
		Fetch: FetchConfig{
			UserAgent:         DefaultUserAgent,
			MaxAttempts:       10,
			BackoffUnit:       DurationFrom(time.Second),
			BackoffBase:       2,
			MaxBackoff:        DurationFrom(time.Minute),
			ConnectTimeout:    DurationFrom(10 * time.Second),
			ReadTimeout:       DurationFrom(30 * time.Second),
			ReadTimeoutGrowth: 1.5,
			MaxReadTimeout:    DurationFrom(2 * time.Minute),
			RetryStatuses:     []int{429, 500, 502, 503, 504},
		},
		Media: MediaConfig{
			Dir:          filepath.Join(rootDir, "images"),
			Workers:      5,
			MaxAttempts:  5,
			BatchTimeout: DurationFrom(5 * time.Minute),
			FallbackExt:  "jpg",
		},
		Links:     TableConfig{Type: "xlsx", Path: filepath.Join(rootDir, "links.xlsx"), Sheet: "Sheet1"},
		Details:   TableConfig{Type: "csv", Path: filepath.Join(rootDir, "details.csv")},
		Snapshots: SnapshotConfig{Dir: filepath.Join(rootDir, "snapshots")},
		Database:  DatabaseConfig{Type: "sqlite", Path: filepath.Join(rootDir, "harvest.db")},
		Vault:     VaultConfig{Type: "none"},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(rootDir, "keys", "harvest.pub"),
			PrivateKeyPath: filepath.Join(rootDir, "keys", "harvest.key"),
		},
		Metrics: MetricsConfig{TextfilePath: filepath.Join(rootDir, "metrics", "harvest.prom")},
	}
}

// Validate rejects settings the harvester cannot run with.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("root_dir is required")
	}
	if len(c.Sections) == 0 {
		return fmt.Errorf("at least one section is required")
	}
	names := make(map[string]bool)
	for i, s := range c.Sections {
		if s.Name == "" {
			return fmt.Errorf("sections[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("sections[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("sections[%d]: invalid url %q", i, s.URL)
		}
	}

	switch c.Crawl.DetailScope {
	case "", "seen", "unresolved", "all":
	default:
		return fmt.Errorf("crawl.detail_scope: unknown scope %q", c.Crawl.DetailScope)
	}
	if c.Crawl.MaxEmptyPages < 1 {
		return fmt.Errorf("crawl.max_empty_pages must be positive")
	}
	if c.Crawl.MaxPageRetries < 0 {
		return fmt.Errorf("crawl.max_page_retries must not be negative")
	}

	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("fetch.max_attempts must be positive")
	}
	if c.Fetch.BackoffBase < 1 {
		return fmt.Errorf("fetch.backoff_base must be at least 1")
	}
	if c.Fetch.ReadTimeoutGrowth < 1 {
		return fmt.Errorf("fetch.read_timeout_growth must be at least 1")
	}
	if c.Fetch.ConnectTimeout.Duration <= 0 || c.Fetch.ReadTimeout.Duration <= 0 {
		return fmt.Errorf("fetch timeouts must be positive")
	}

	if !c.Media.Disabled {
		if c.Media.Dir == "" {
			return fmt.Errorf("media.dir is required")
		}
		if c.Media.Workers < 1 {
			return fmt.Errorf("media.workers must be positive")
		}
		if c.Media.MaxAttempts < 1 {
			return fmt.Errorf("media.max_attempts must be positive")
		}
		if c.Media.BatchTimeout.Duration <= 0 {
			return fmt.Errorf("media.batch_timeout must be positive")
		}
	}

	for name, t := range map[string]TableConfig{"links": c.Links, "details": c.Details} {
		switch t.Type {
		case "sqlite", "memory":
		case "csv", "xlsx":
			if t.Path == "" {
				return fmt.Errorf("%s.path is required for type %q", name, t.Type)
			}
		default:
			return fmt.Errorf("%s.type: unknown table type %q", name, t.Type)
		}
	}

	switch c.Database.Type {
	case "memory":
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for type sqlite")
		}
	default:
		return fmt.Errorf("database.type: unknown type %q", c.Database.Type)
	}

	switch c.Vault.Type {
	case "", "none", "memory":
	case "filesystem":
		if c.Vault.FSVaultRoot == "" {
			return fmt.Errorf("vault.fs_vault_root is required for type filesystem")
		}
	case "s3":
		if c.Vault.S3Bucket == "" {
			return fmt.Errorf("vault.s3_bucket is required for type s3")
		}
	default:
		return fmt.Errorf("vault.type: unknown type %q", c.Vault.Type)
	}

	switch c.Encryption.Type {
	case "", "none", "test":
	case "age":
		if c.Encryption.PublicKeyPath == "" || c.Encryption.PrivateKeyPath == "" {
			return fmt.Errorf("encryption key paths are required for type age")
		}
	default:
		return fmt.Errorf("encryption.type: unknown type %q", c.Encryption.Type)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It fails if a file already exists there.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

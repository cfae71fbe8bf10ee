package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"petrel/internal/blobstorage"
)

// Account holds the server endpoints and credentials for one mail account.
type Account struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	ImapHost string `yaml:"imap_host"`
	ImapPort int    `yaml:"imap_port"`
	SmtpHost string `yaml:"smtp_host"`
	SmtpPort int    `yaml:"smtp_port"`
}

// OAuth configures OAuth 2.0 authentication. When Enabled is false the
// account password is used instead.
type OAuth struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
	TokenFile    string `yaml:"token_file"`
}

// Cache configures the on-disk message cache.
type Cache struct {
	Dir            string `yaml:"dir"`
	Encrypt        bool   `yaml:"encrypt"`
	IndexEncrypt   bool   `yaml:"index_encrypt"`
	PrefetchLevel  int    `yaml:"prefetch_level"`
	PrefetchMaxAge int    `yaml:"prefetch_max_age_days"`
}

type Config struct {
	Account        Account            `yaml:"account"`
	OAuth          OAuth              `yaml:"oauth"`
	Cache          Cache              `yaml:"cache"`
	FoldersExclude []string           `yaml:"folders_exclude"`
	IdleTimeoutMin int                `yaml:"idle_timeout_min"`
	ConnectTimeout int                `yaml:"connect_timeout_sec"`
	BlobStorage    blobstorage.Config `yaml:"blob_storage"`
}

// LoadConfig reads the first config file found among the candidate paths.
// An explicit path (from the command line) takes precedence and is the
// only one tried when set.
func LoadConfig(explicit string) (*Config, error) {
	configPaths := []string{
		filepath.Join(os.Getenv("HOME"), ".config/petrel/petrel.yaml"),
		"/etc/petrel/petrel.yaml",
		"./petrel.yaml",
	}
	if explicit != "" {
		configPaths = []string{explicit}
	}

	var data []byte
	var err error
	for _, path := range configPaths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if cfg.Account.ImapHost == "" {
		return nil, fmt.Errorf("config is missing account.imap_host")
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Account.ImapPort == 0 {
		c.Account.ImapPort = 993
	}
	if c.Account.SmtpPort == 0 {
		c.Account.SmtpPort = 587
	}
	if c.Account.User == "" {
		c.Account.User = c.Account.Address
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(os.Getenv("HOME"), ".cache/petrel")
	}
	if c.Cache.PrefetchLevel == 0 {
		c.Cache.PrefetchLevel = PrefetchLevelFullSync
	}
	if c.IdleTimeoutMin == 0 {
		c.IdleTimeoutMin = 29
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30
	}
	if c.OAuth.TokenFile == "" {
		c.OAuth.TokenFile = filepath.Join(c.Cache.Dir, "oauth-token")
	}
}

// Prefetch levels, shallowest to deepest. The background prefetcher works
// through levels in order, so cheap folder-list sync happens before any
// body download.
const (
	PrefetchLevelNone        = 0
	PrefetchLevelFolderList  = 1
	PrefetchLevelCurrentView = 2
	PrefetchLevelFullSync    = 3
)

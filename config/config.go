package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel int `yaml:"log_level"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Radio     RadioConfig     `yaml:"radio"`
	Audio     AudioConfig     `yaml:"audio"`
	Playlists PlaylistsConfig `yaml:"playlists"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	// URL selects the driver by scheme: sqlite://<file> or postgres://...
	URL string `yaml:"url"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	AdminKey  string `yaml:"admin_key"`
}

type RadioConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	Tolerance      time.Duration `yaml:"tolerance"`
	DefaultBitrate int           `yaml:"default_bitrate"`
	// Chunks buffered per listener before new ones are dropped.
	ListenerBuffer int `yaml:"listener_buffer"`
}

type AudioConfig struct {
	FFprobePath        string        `yaml:"ffprobe_path"`
	AllowLocalFiles    bool          `yaml:"allow_local_files"`
	HTTPTimeout        time.Duration `yaml:"http_timeout"`
	GCSCredentialsFile string        `yaml:"gcs_credentials_file"`
	EnableGCS          bool          `yaml:"enable_gcs"`
}

type PlaylistsConfig struct {
	// WatchDir holds <serverID>.json playlist documents that are loaded on
	// change. Empty disables the watcher.
	WatchDir string `yaml:"watch_dir"`
}

// Load reads the YAML file at path, fills in defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config *Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	if config == nil {
		config = &Config{}
	}

	config.applyEnv()
	config.setDefaults()
	return config, nil
}

// Default returns a configuration built from defaults and the environment
// only, for running without a config file.
func Default() *Config {
	config := &Config{}
	config.applyEnv()
	config.setDefaults()
	return config
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DB_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		c.Auth.AdminKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if level, err := strconv.Atoi(v); err == nil {
			c.LogLevel = level
		}
	}
}

func (c *Config) setDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "3000"
	}
	if c.Database.URL == "" {
		c.Database.URL = "sqlite://db.sqlite3"
	}
	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "secret"
	}
	if c.Radio.TickInterval <= 0 {
		c.Radio.TickInterval = 250 * time.Millisecond
	}
	if c.Radio.Tolerance <= 0 {
		c.Radio.Tolerance = 500 * time.Millisecond
	}
	if c.Radio.DefaultBitrate <= 0 {
		c.Radio.DefaultBitrate = 48000
	}
	if c.Radio.ListenerBuffer <= 0 {
		c.Radio.ListenerBuffer = 16
	}
	if c.Audio.FFprobePath == "" {
		c.Audio.FFprobePath = "ffprobe"
	}
	if c.Audio.HTTPTimeout <= 0 {
		c.Audio.HTTPTimeout = 30 * time.Second
	}
}

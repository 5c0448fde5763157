// Package config loads the control plane's YAML configuration file and
// applies the literal environment variable overrides named in the
// interface contract, the way the rest of this codebase layers viper
// defaults under an explicit env binding.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Docker     DockerConfig     `mapstructure:"docker"`
	WebDAV     WebDAVConfig     `mapstructure:"webdav"`
	Porkbun    PorkbunConfig    `mapstructure:"porkbun"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Velocity   VelocityConfig   `mapstructure:"velocity"`
	PortPolicy PortPolicyConfig `mapstructure:"port_policy"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
}

type ServerConfig struct {
	RootDomain      string `mapstructure:"root_domain"`
	MinecraftPath   string `mapstructure:"minecraft_path"`
	DeleteServerDir bool   `mapstructure:"delete_server_folders"`
	IOTimeoutSecs   int    `mapstructure:"io_timeout_seconds"`
}

type DockerConfig struct {
	Host        string `mapstructure:"host"`
	APIVersion  string `mapstructure:"api_version"`
	NetworkName string `mapstructure:"network_name"`
}

type WebDAVConfig struct {
	URL        string `mapstructure:"url"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	ServerBase string `mapstructure:"server_base_path"`
}

type PorkbunConfig struct {
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type VelocityConfig struct {
	ConfigPath  string `mapstructure:"config_path"`
	NetworkName string `mapstructure:"network_name"`
}

// ReservedRange is a named, inclusive port range.
type ReservedRange struct {
	Name  string `mapstructure:"name"`
	Start int    `mapstructure:"start"`
	End   int    `mapstructure:"end"`
}

type PortPolicyConfig struct {
	ReservedPorts []int           `mapstructure:"reserved_ports"`
	Ranges        []ReservedRange `mapstructure:"ranges"`
}

type LoggingConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type ReconcilerConfig struct {
	IntervalMinutes      int    `mapstructure:"interval_minutes"`
	JitterSeconds        int    `mapstructure:"jitter_seconds"`
	ProxyDefinitionsPath string `mapstructure:"proxy_definitions_path"`
	ProxyConfigBase      string `mapstructure:"proxy_config_base"`
}

// Load reads config.yaml from configPath (or the working directory),
// applies defaults, binds the recognized environment variables, and
// validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/controlplane")

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("binding environment variables: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.root_domain", "example.com")
	v.SetDefault("server.minecraft_path", "/srv/minecraft")
	v.SetDefault("server.delete_server_folders", false)
	v.SetDefault("server.io_timeout_seconds", 10)

	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.network_name", "controlplane-network")

	v.SetDefault("webdav.server_base_path", "/")

	v.SetDefault("mongo.database", "controlplane")

	v.SetDefault("velocity.network_name", "controlplane-network")

	v.SetDefault("logging.enabled", true)
	v.SetDefault("logging.file_path", "./data/controlplane.log")
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("reconciler.interval_minutes", 10)
	v.SetDefault("reconciler.jitter_seconds", 30)
	v.SetDefault("reconciler.proxy_definitions_path", "./config/proxies.yaml")
	v.SetDefault("reconciler.proxy_config_base", "/proxies")

	// 25565 (the default Minecraft port, which the proxy fleet owns) and
	// the common DB ports are individually reserved; the sub-1024 ports
	// are covered by the system-reserved range instead, since a reserved
	// port may not lie inside any named range.
	v.SetDefault("port_policy.reserved_ports", []int{3306, 5432, 6379, 25565, 27017})
	v.SetDefault("port_policy.ranges", []map[string]any{
		{"name": "minecraft-servers", "start": 25566, "end": 25665},
		{"name": "minecraft-rcon", "start": 35566, "end": 35665},
		{"name": "proxy-external", "start": 25500, "end": 25564},
		{"name": "development", "start": 8000, "end": 8099},
		{"name": "system-reserved", "start": 1, "end": 1023},
		{"name": "ephemeral", "start": 49152, "end": 65535},
	})
}

// bindEnv wires the literal, unprefixed environment variable names from
// the interface contract onto their config keys. SetEnvPrefix/AutomaticEnv
// are deliberately not used: these names carry no application prefix.
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"docker.host":                  "DOCKER_HOST",
		"docker.api_version":           "DOCKER_API_VERSION",
		"docker.network_name":          "DOCKER_NETWORK_NAME",
		"webdav.url":                   "WEBDAV_URL",
		"webdav.username":              "WEBDAV_USERNAME",
		"webdav.password":              "WEBDAV_PASSWORD",
		"webdav.server_base_path":      "WEBDAV_SERVER_BASE_PATH",
		"server.minecraft_path":        "MINECRAFT_PATH",
		"server.root_domain":           "ROOT_DOMAIN",
		"porkbun.api_key":              "PORKBUN_API_KEY",
		"porkbun.secret_key":           "PORKBUN_SECRET_KEY",
		"mongo.uri":                    "MONGODB_URI",
		"velocity.config_path":         "VELOCITY_CONFIG_PATH",
		"velocity.network_name":        "VELOCITY_NETWORK_NAME",
		"server.delete_server_folders": "DELETE_SERVER_FOLDERS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Mongo.URI == "" {
		return fmt.Errorf("MONGODB_URI is required")
	}
	if cfg.Server.MinecraftPath != "" {
		abs, err := filepath.Abs(cfg.Server.MinecraftPath)
		if err != nil {
			return fmt.Errorf("invalid minecraft_path: %w", err)
		}
		cfg.Server.MinecraftPath = abs
	}
	if cfg.Server.IOTimeoutSecs <= 0 {
		cfg.Server.IOTimeoutSecs = 10
	}
	seen := map[string]bool{}
	for _, r := range cfg.PortPolicy.Ranges {
		if r.Start > r.End {
			return fmt.Errorf("range %q: start must be <= end", r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate port range name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

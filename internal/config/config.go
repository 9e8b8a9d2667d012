// Package config loads the proxy's configuration from a YAML file, the
// environment, and CLI flags, following the flag > env > file > default
// precedence
// the Sentinel Gate proxy uses for its own OSS config
// (config.InitViper/LoadConfig, internal/config/loader.go), generalized
// from that proxy's MCP upstream schema to this one's replica/sandbox/
// collector address set.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/joeycumines/quarantine-proxy/internal/dataplane"
)

// Config is the top-level configuration schema.
type Config struct {
	Frontend  EndpointConfig `yaml:"frontend" mapstructure:"frontend"`
	Verdict   EndpointConfig `yaml:"verdict" mapstructure:"verdict"`
	Sandbox   EndpointConfig `yaml:"sandbox" mapstructure:"sandbox"`
	Collector EndpointConfig `yaml:"collector" mapstructure:"collector"`
	Latency   EndpointConfig `yaml:"latency" mapstructure:"latency"`

	// ReplicaPorts lists the loopback ports of the trusted replica pool;
	// len(ReplicaPorts) is N.
	ReplicaPorts []int    `yaml:"replica_ports" mapstructure:"replica_ports"`
	ReplicaExec  string   `yaml:"replica_exec" mapstructure:"replica_exec"`
	ReplicaArgs  []string `yaml:"replica_args" mapstructure:"replica_args"`

	MaxMessage      int   `yaml:"max_message" mapstructure:"max_message"`
	ReportQuota     int   `yaml:"report_quota" mapstructure:"report_quota"`
	ArenaCapacity   int   `yaml:"arena_capacity" mapstructure:"arena_capacity"`
	IdleSleepMs     int   `yaml:"idle_sleep_ms" mapstructure:"idle_sleep_ms"`
	CycleWindowUs   int64 `yaml:"cycle_window_us" mapstructure:"cycle_window_us"`

	AdminAddr string `yaml:"admin_addr" mapstructure:"admin_addr"`
	LogLevel  string `yaml:"log_level" mapstructure:"log_level"`
	LogPretty bool   `yaml:"log_pretty" mapstructure:"log_pretty"`
}

// EndpointConfig is a host/port pair as it appears in the config file; Host
// is a dotted-quad IPv4 literal or empty for "all interfaces".
type EndpointConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

const envPrefix = "QUARANTINE_PROXY"

// InitViper wires Viper's config-file search and environment overrides. If
// configFile is empty, it searches the standard locations for
// quarantine-proxy.yaml/.yml, matching the explicit-extension search used
// by the reference CLI's findConfigFile (avoids matching a same-named
// binary with no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("quarantine-proxy")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	setDefaults()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{".", filepath.Join(home, ".quarantine-proxy")}
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/quarantine-proxy")
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "quarantine-proxy"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

func setDefaults() {
	viper.SetDefault("frontend.host", "0.0.0.0")
	viper.SetDefault("frontend.port", 8880)
	viper.SetDefault("verdict.host", "0.0.0.0")
	viper.SetDefault("verdict.port", 9002)
	viper.SetDefault("sandbox.host", "127.0.0.1")
	viper.SetDefault("sandbox.port", 8099)
	viper.SetDefault("collector.host", "127.0.0.1")
	viper.SetDefault("collector.port", 9003)
	viper.SetDefault("latency.host", "127.0.0.1")
	viper.SetDefault("latency.port", 9004)
	viper.SetDefault("replica_ports", []int{8881, 8882, 8883, 8884})
	viper.SetDefault("replica_exec", "node")
	viper.SetDefault("max_message", dataplane.MaxMessage)
	viper.SetDefault("report_quota", 1000)
	viper.SetDefault("arena_capacity", 4096)
	viper.SetDefault("idle_sleep_ms", 1)
	viper.SetDefault("cycle_window_us", int64(50000))
	viper.SetDefault("admin_addr", "127.0.0.1:9090")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_pretty", false)
}

// Load reads the config file (if any), merges environment and flag
// overrides already bound to Viper by the caller, and unmarshals the
// result. A missing config file is not an error: defaults plus env/flags
// still produce a usable Config.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path Viper actually read, or "" if none.
func ConfigFileUsed() string { return viper.ConfigFileUsed() }

// EngineOptions translates Config into the dataplane.EngineOption values
// NewEngine expects.
func (c *Config) EngineOptions() ([]dataplane.EngineOption, error) {
	frontendAddr, err := addrBytes(c.Frontend.Host)
	if err != nil {
		return nil, fmt.Errorf("config: frontend.host: %w", err)
	}
	verdictAddr, err := addrBytes(c.Verdict.Host)
	if err != nil {
		return nil, fmt.Errorf("config: verdict.host: %w", err)
	}
	sandboxAddr, err := addrBytes(c.Sandbox.Host)
	if err != nil {
		return nil, fmt.Errorf("config: sandbox.host: %w", err)
	}
	collectorAddr, err := addrBytes(c.Collector.Host)
	if err != nil {
		return nil, fmt.Errorf("config: collector.host: %w", err)
	}
	latencyAddr, err := addrBytes(c.Latency.Host)
	if err != nil {
		return nil, fmt.Errorf("config: latency.host: %w", err)
	}

	return []dataplane.EngineOption{
		dataplane.WithFrontend(frontendAddr, c.Frontend.Port),
		dataplane.WithVerdictChannel(verdictAddr, c.Verdict.Port),
		dataplane.WithReplicaPorts(c.ReplicaPorts),
		dataplane.WithSandbox(sandboxAddr, c.Sandbox.Port),
		dataplane.WithCollector(collectorAddr, c.Collector.Port),
		dataplane.WithLatencyCollector(latencyAddr, c.Latency.Port),
		dataplane.WithMaxMessage(c.MaxMessage),
		dataplane.WithReportQuota(c.ReportQuota),
		dataplane.WithArenaCapacity(c.ArenaCapacity),
		dataplane.WithIdleSleep(c.IdleSleepMs),
		dataplane.WithCycleCoalesceWindow(c.CycleWindowUs),
		dataplane.WithReplicaExec(c.ReplicaExec, c.ReplicaArgs),
	}, nil
}

// addrBytes resolves a dotted-quad or empty host string to its 4-byte
// form; empty (or "0.0.0.0") maps to the zero value, meaning "all
// interfaces" wherever the caller binds a listener.
func addrBytes(host string) ([4]byte, error) {
	var out [4]byte
	if host == "" {
		return out, nil
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return out, fmt.Errorf("not a valid IPv4 address: %q", host)
	}
	copy(out[:], ip)
	return out, nil
}

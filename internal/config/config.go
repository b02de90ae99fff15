package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultSTUN            = "stun:stun.l.google.com:19302"
	DefaultAccountURI      = "sip:anonymous@anonymous.invalid"
	DefaultScreenShareMode = "transceiver"
	DefaultNamespace       = "huddle"
	DefaultExchange        = "amq.topic"
	DefaultLogLevel        = "error"

	envPrefix = "HUDDLE"
)

type Transcription struct {
	URI       string `mapstructure:"uri"`
	Namespace string `mapstructure:"namespace"`
	Exchange  string `mapstructure:"exchange"`
}

type Devices struct {
	AudioInput  string `mapstructure:"audio_input"`
	VideoInput  string `mapstructure:"video_input"`
	AudioOutput string `mapstructure:"audio_output"`
}

// Config holds application configuration
type Config struct {
	// Name is shown to the other participants.
	Name string `mapstructure:"name"`

	// ServerURI is the ws:// or wss:// signaling endpoint.
	ServerURI string `mapstructure:"server_uri"`
	// SIPURI is the account the calls are placed from.
	SIPURI   string `mapstructure:"sip_uri"`
	Password string `mapstructure:"password"`

	// ICE servers for WebRTC
	ICEServers []string `mapstructure:"ice_servers"`
	TURNServer string   `mapstructure:"turn_server"`
	TURNUser   string   `mapstructure:"turn_user"`
	TURNPass   string   `mapstructure:"turn_pass"`
	ForceRelay bool     `mapstructure:"force_relay"`

	Transcription   Transcription `mapstructure:"transcription"`
	Devices         Devices       `mapstructure:"devices"`
	ScreenShareMode string        `mapstructure:"screen_share_mode"`

	HistoryPath string `mapstructure:"history_path"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// Options for loading config with CLI flag overrides
type Options struct {
	// ConfigFile replaces the default $HOME/.config/huddle/config.yaml.
	ConfigFile string
	// Flags are bound by name through FlagKeys. Only flags the user set
	// override the other sources.
	Flags *pflag.FlagSet
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"name":              "name",
	"server":            "server_uri",
	"sip-uri":           "sip_uri",
	"password":          "password",
	"ice-server":        "ice_servers",
	"turn-server":       "turn_server",
	"turn-user":         "turn_user",
	"turn-pass":         "turn_pass",
	"force-relay":       "force_relay",
	"transcription-uri": "transcription.uri",
	"namespace":         "transcription.namespace",
	"exchange":          "transcription.exchange",
	"audio-input":       "devices.audio_input",
	"video-input":       "devices.video_input",
	"audio-output":      "devices.audio_output",
	"screen-share-mode": "screen_share_mode",
	"history":           "history_path",
	"metrics-addr":      "metrics_addr",
	"log-level":         "log_level",
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. HUDDLE_* environment variables
// 3. Config file
// 4. Defaults - lowest priority
func Load(opts Options) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("config")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "huddle"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Debug().Str("module", "config").Msg("no config file, using defaults")
	} else {
		log.Debug().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.ICEServers = splitList(cfg.ICEServers)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "")
	v.SetDefault("server_uri", "")
	v.SetDefault("sip_uri", DefaultAccountURI)
	v.SetDefault("password", "")
	v.SetDefault("ice_servers", []string{DefaultSTUN})
	v.SetDefault("turn_server", "")
	v.SetDefault("turn_user", "")
	v.SetDefault("turn_pass", "")
	v.SetDefault("force_relay", false)
	v.SetDefault("transcription.uri", "")
	v.SetDefault("transcription.namespace", DefaultNamespace)
	v.SetDefault("transcription.exchange", DefaultExchange)
	v.SetDefault("devices.audio_input", "")
	v.SetDefault("devices.video_input", "")
	v.SetDefault("devices.audio_output", "")
	v.SetDefault("screen_share_mode", DefaultScreenShareMode)
	v.SetDefault("history_path", defaultHistoryPath())
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", DefaultLogLevel)
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "huddle-history.msgpack"
	}
	return filepath.Join(home, ".local", "share", "huddle", "history.msgpack")
}

// splitList accepts both repeated values and a single comma separated one,
// which is how lists arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the settings needed to join a room.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !hasScheme(c.ServerURI, "ws", "wss") || !strings.Contains(c.ServerURI, "://") {
		problems = append(problems, "server_uri must be a ws:// or wss:// URL")
	}
	if !hasScheme(c.SIPURI, "sip", "sips") {
		problems = append(problems, "sip_uri must be a sip: or sips: URI")
	}
	switch c.ScreenShareMode {
	case "transceiver", "call":
	default:
		problems = append(problems, fmt.Sprintf("screen_share_mode %q is not transceiver or call", c.ScreenShareMode))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func hasScheme(uri string, schemes ...string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return true
		}
	}
	return false
}

// STUNServers returns the non-TURN entries of ice_servers.
func (c *Config) STUNServers() []string {
	var out []string
	for _, s := range c.ICEServers {
		if !isTURN(s) {
			out = append(out, s)
		}
	}
	return out
}

// TURNServers returns the TURN entries of ice_servers followed by the
// expanded turn_server, if configured.
func (c *Config) TURNServers(expand func(string) []string) []string {
	var out []string
	for _, s := range c.ICEServers {
		if isTURN(s) {
			out = append(out, s)
		}
	}
	if c.TURNServer != "" {
		out = append(out, expand(c.TURNServer)...)
	}
	return out
}

func isTURN(s string) bool {
	return strings.HasPrefix(s, "turn:") || strings.HasPrefix(s, "turns:")
}

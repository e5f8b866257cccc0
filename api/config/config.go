package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// viper keys, also the flag names used by the CLI
const (
	EnvAPIHost      = "apihost"
	EnvAuth         = "auth"
	EnvNamespace    = "namespace"
	EnvInsecure     = "insecure"
	EnvAction       = "action"
	EnvSource       = "source"
	EnvMain         = "main"
	EnvKind         = "kind"
	EnvImage        = "image"
	EnvInternalPort = "internal-port"
	EnvPort         = "port"
	EnvCommand      = "command"
	EnvCondition    = "condition"
	EnvCleanup      = "cleanup"
	EnvTunnel       = "tunnel"
	EnvRelayURL     = "relay-url"
	EnvTunnelAddr   = "tunnel-addr"
	EnvTunnelURL    = "tunnel-url"
	EnvAgentTimeout = "agent-timeout"
	EnvDockerArgs   = "docker-args"
	EnvOnBuild      = "on-build"
	EnvOnStart      = "on-start"
	EnvWatch        = "watch"
	EnvInvokeParams = "on-change-invoke"
	EnvInvokeAction = "on-change-action"
	EnvLogLevel     = "log-level"
	EnvLogFormat    = "log-format"
	EnvLogDest      = "log-dest"
	EnvEnvFile      = "env-file"
	EnvPropsFile    = "props-file"
)

const (
	DefaultAgentTimeout = 300 * time.Second
	// DefaultRelayURL is empty, the tunnel listener is served directly
	DefaultRelayURL = ""
	// DefaultTunnelAddr binds the tunnel listener to a free local port
	DefaultTunnelAddr = "127.0.0.1:0"
)

var (
	ErrMissingAuth    = errors.New("missing credentials: set WSK_AUTH, add AUTH to .env or run `wsk property set --auth`")
	ErrInvalidAuth    = errors.New("credentials must have the form user:password")
	ErrMissingAPIHost = errors.New("missing api host: set WSK_APIHOST or APIHOST in ~/.wskprops")
	ErrMissingAction  = errors.New("missing action name")
)

// Config is everything a debug session needs. It is immutable once loaded.
type Config struct {
	APIHost   string
	Auth      string
	Namespace string
	Insecure  bool

	Action string
	Source string
	Main   string

	Kind         string
	Image        string
	InternalPort int
	Port         int
	Command      string
	DockerArgs   string

	Condition    string
	Cleanup      bool
	Tunnel       bool
	RelayURL     string
	// TunnelAddr is where the tunnel listener binds, TunnelURL the address
	// the agent reaches it at when that is not the bound one, e.g. behind a
	// port forward.
	TunnelAddr   string
	TunnelURL    string
	AgentTimeout time.Duration

	OnBuild string
	OnStart string

	Watch        []string
	InvokeParams map[string]interface{}
	InvokeAction string

	LogLevel  string
	LogFormat string
	LogDest   string
}

// User and password halves of Auth.
func (c *Config) Credentials() (string, string) {
	parts := strings.SplitN(c.Auth, ":", 2)
	if len(parts) != 2 {
		return c.Auth, ""
	}
	return parts[0], parts[1]
}

// Validate checks the fields without which no session can start.
func (c *Config) Validate() error {
	if c.Auth == "" {
		return ErrMissingAuth
	}
	if !strings.Contains(c.Auth, ":") {
		return ErrInvalidAuth
	}
	if c.APIHost == "" {
		return ErrMissingAPIHost
	}
	if c.Action == "" {
		return ErrMissingAction
	}
	return nil
}

// SetDefaults registers the defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(EnvNamespace, "_")
	v.SetDefault(EnvAgentTimeout, int(DefaultAgentTimeout/time.Second))
	v.SetDefault(EnvRelayURL, DefaultRelayURL)
	v.SetDefault(EnvTunnelAddr, DefaultTunnelAddr)
	v.SetDefault(EnvLogLevel, "info")
	v.SetDefault(EnvLogFormat, "text")
	v.SetDefault(EnvEnvFile, ".env")
}

// Load resolves the configuration from v, layered from weakest to strongest:
// defaults, the user properties file, the .env file, environment variables
// and finally whatever flags the caller bound into v.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	propsFile := v.GetString(EnvPropsFile)
	if propsFile == "" {
		propsFile = os.Getenv("WSK_CONFIG_FILE")
	}
	if propsFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			propsFile = filepath.Join(home, ".wskprops")
		}
	}
	if err := layerFile(v, propsFile, "properties", ""); err != nil {
		return nil, err
	}
	if err := layerFile(v, v.GetString(EnvEnvFile), "env", "wsk_"); err != nil {
		return nil, err
	}

	for _, key := range []string{EnvAPIHost, EnvAuth, EnvNamespace, EnvInsecure} {
		upper := strings.ToUpper(key)
		if err := v.BindEnv(key, "FNDEBUG_"+upper, "WSK_"+upper); err != nil {
			return nil, err
		}
	}
	v.SetEnvPrefix("fndebug")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	c := &Config{
		APIHost:      normalizeHost(v.GetString(EnvAPIHost)),
		Auth:         v.GetString(EnvAuth),
		Namespace:    v.GetString(EnvNamespace),
		Insecure:     v.GetBool(EnvInsecure),
		Action:       v.GetString(EnvAction),
		Source:       v.GetString(EnvSource),
		Main:         v.GetString(EnvMain),
		Kind:         v.GetString(EnvKind),
		Image:        v.GetString(EnvImage),
		InternalPort: v.GetInt(EnvInternalPort),
		Port:         v.GetInt(EnvPort),
		Command:      v.GetString(EnvCommand),
		DockerArgs:   v.GetString(EnvDockerArgs),
		Condition:    v.GetString(EnvCondition),
		Cleanup:      v.GetBool(EnvCleanup),
		Tunnel:       v.GetBool(EnvTunnel),
		RelayURL:     v.GetString(EnvRelayURL),
		TunnelAddr:   v.GetString(EnvTunnelAddr),
		TunnelURL:    v.GetString(EnvTunnelURL),
		AgentTimeout: time.Duration(v.GetInt(EnvAgentTimeout)) * time.Second,
		OnBuild:      v.GetString(EnvOnBuild),
		OnStart:      v.GetString(EnvOnStart),
		Watch:        v.GetStringSlice(EnvWatch),
		InvokeAction: v.GetString(EnvInvokeAction),
		LogLevel:     v.GetString(EnvLogLevel),
		LogFormat:    v.GetString(EnvLogFormat),
		LogDest:      v.GetString(EnvLogDest),
	}

	if c.AgentTimeout <= 0 {
		c.AgentTimeout = DefaultAgentTimeout
	}

	if raw := v.GetString(EnvInvokeParams); raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.InvokeParams); err != nil {
			return nil, fmt.Errorf("invalid --%s, expected a JSON object: %w", EnvInvokeParams, err)
		}
	}

	if c.Source != "" {
		abs, err := filepath.Abs(c.Source)
		if err != nil {
			return nil, err
		}
		c.Source = abs
	}

	return c, c.Validate()
}

// layerFile reads path as a config file of the given type and feeds the
// connection keys it knows about into v as defaults. prefix is stripped from
// keys first, so WSK_AUTH in a .env file sets auth. Missing files are fine.
func layerFile(v *viper.Viper, path, typ, prefix string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	f := viper.New()
	f.SetConfigFile(path)
	f.SetConfigType(typ)
	if err := f.ReadInConfig(); err != nil {
		return fmt.Errorf("cannot read %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{"path": path, "type": typ}).Debug("loaded config file")

	for _, key := range f.AllKeys() {
		k := key
		if prefix != "" {
			k = strings.TrimPrefix(k, prefix)
			k = strings.TrimPrefix(k, "fndebug_")
		}
		switch k {
		case EnvAPIHost, EnvAuth, EnvNamespace, EnvInsecure:
			v.SetDefault(k, f.Get(key))
		}
	}
	return nil
}

func normalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" || strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}

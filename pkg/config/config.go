// Package config loads agentchat settings from flags, AGENTCHAT_* environment
// variables and an optional YAML config file, in that order of precedence, and
// builds the store, event bus and identity resolver they describe.
package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/agentchat/pkg/chatevents"
	"github.com/go-go-golems/agentchat/pkg/identity"
	"github.com/go-go-golems/agentchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/agentchat/pkg/redisstream"
	"github.com/go-go-golems/agentchat/pkg/webchat"
)

const (
	AppName   = "agentchat"
	EnvPrefix = "AGENTCHAT"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreREST   = "rest"
)

type Settings struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	AgentURL       string        `mapstructure:"agent-url" yaml:"agent-url"`
	GatewayURL     string        `mapstructure:"gateway-url" yaml:"gateway-url"`
	AgentTimeout   time.Duration `mapstructure:"agent-timeout" yaml:"agent-timeout"`
	Welcome        string        `mapstructure:"welcome" yaml:"welcome"`
	EmbedAgentStub bool          `mapstructure:"embed-agent-stub" yaml:"embed-agent-stub"`

	Store     string `mapstructure:"store" yaml:"store"`
	DBPath    string `mapstructure:"db" yaml:"db"`
	RESTURL   string `mapstructure:"rest-url" yaml:"rest-url"`
	RESTKey   string `mapstructure:"rest-key" yaml:"rest-key"`
	RESTToken string `mapstructure:"rest-token" yaml:"rest-token"`

	// Tokens are "token=user[:email]" bearer credentials.
	Tokens []string `mapstructure:"tokens" yaml:"tokens"`
	// DevUserHeader trusts X-User-ID (or ?user_id=) instead of tokens.
	DevUserHeader bool `mapstructure:"dev-user-header" yaml:"dev-user-header"`

	EvictIdle     time.Duration `mapstructure:"evict-idle" yaml:"evict-idle"`
	EvictInterval time.Duration `mapstructure:"evict-interval" yaml:"evict-interval"`
	StreamIdle    time.Duration `mapstructure:"stream-idle" yaml:"stream-idle"`

	Redis redisstream.Settings `mapstructure:",squash" yaml:",inline"`
}

func Default() Settings {
	return Settings{
		Addr:          ":8080",
		AgentURL:      "http://localhost:8000/query",
		AgentTimeout:  2 * time.Minute,
		Store:         StoreSQLite,
		DBPath:        "agentchat.db",
		EvictIdle:     30 * time.Minute,
		EvictInterval: time.Minute,
		StreamIdle:    30 * time.Second,
		Redis:         redisstream.DefaultSettings(),
	}
}

// AddFlags registers every settings flag plus --config on fs.
func AddFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "Path to a YAML config file")
	fs.String("addr", d.Addr, "HTTP listen address")
	fs.String("agent-url", d.AgentURL, "Upstream query service the gateway forwards to")
	fs.String("gateway-url", d.GatewayURL, "Gateway URL chat clients query (default: this server's /api/ask)")
	fs.Duration("agent-timeout", d.AgentTimeout, "Timeout for gateway and upstream calls (0 = none)")
	fs.String("welcome", d.Welcome, "Welcome message seeded into new sessions")
	fs.Bool("embed-agent-stub", d.EmbedAgentStub, "Serve an echo query service at /query")

	fs.String("store", d.Store, "Session store backend: memory, sqlite or rest")
	fs.String("db", d.DBPath, "SQLite database file")
	fs.String("rest-url", d.RESTURL, "Base URL of the PostgREST-compatible store")
	fs.String("rest-key", d.RESTKey, "API key for the REST store")
	fs.String("rest-token", d.RESTToken, "Bearer token for the REST store (default: the API key)")

	fs.StringSlice("tokens", d.Tokens, "Bearer tokens as token=user[:email]")
	fs.Bool("dev-user-header", d.DevUserHeader, "Trust the X-User-ID header for identity (development only)")

	fs.Duration("evict-idle", d.EvictIdle, "Release chat clients idle this long (0 = never)")
	fs.Duration("evict-interval", d.EvictInterval, "How often to look for idle chat clients")
	fs.Duration("stream-idle", d.StreamIdle, "Keep an owner's event subscription this long after the last websocket")

	redisstream.AddFlags(fs)
}

// Load resolves settings from fs, the environment and the config file. The
// config file is --config when set, else config.yaml under $HOME/.agentchat
// or the working directory when present.
func Load(fs *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+AppName))
		}
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	} else {
		log.Debug().Str("component", "config").Str("file", v.ConfigFileUsed()).Msg("loaded config file")
	}

	s := Default()
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "decode settings")
	}
	s.Tokens = splitTokens(s.Tokens)
	// An embedded stub answers on this server unless agent-url was set
	// explicitly by flag, env or file.
	if s.EmbedAgentStub && !v.IsSet("agent-url") {
		s.AgentURL = ""
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// splitTokens accepts both repeated values and a single comma-separated env
// value.
func splitTokens(in []string) []string {
	var out []string
	for _, t := range in {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("config: addr is required")
	}
	if strings.TrimSpace(s.AgentURL) == "" && !s.EmbedAgentStub {
		return errors.New("config: agent-url is required")
	}
	if s.AgentTimeout < 0 {
		return errors.New("config: agent-timeout must not be negative")
	}
	switch s.Store {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(s.DBPath) == "" {
			return errors.New("config: db is required for the sqlite store")
		}
	case StoreREST:
		if strings.TrimSpace(s.RESTURL) == "" || strings.TrimSpace(s.RESTKey) == "" {
			return errors.New("config: rest-url and rest-key are required for the rest store")
		}
	default:
		return errors.Errorf("config: unknown store %q", s.Store)
	}
	if _, err := identity.ParseTokenSpecs(s.Tokens); err != nil {
		return errors.Wrap(err, "config: tokens")
	}
	if s.EvictIdle > 0 && s.EvictInterval <= 0 {
		return errors.New("config: evict-interval must be positive when evict-idle is set")
	}
	return s.Redis.Validate()
}

// OpenStore builds the configured session store. The caller closes it.
func (s Settings) OpenStore() (chatstore.Store, error) {
	switch s.Store {
	case StoreMemory:
		return chatstore.NewInMemoryStore(), nil
	case StoreSQLite:
		dsn, err := chatstore.SQLiteDSNForFile(s.DBPath)
		if err != nil {
			return nil, err
		}
		st, err := chatstore.NewSQLiteStore(dsn)
		if err != nil {
			return nil, err
		}
		return st, nil
	case StoreREST:
		var opts []chatstore.RESTOption
		if s.RESTToken != "" {
			opts = append(opts, chatstore.WithRESTBearerToken(s.RESTToken))
		}
		st, err := chatstore.NewRESTStore(s.RESTURL, s.RESTKey, opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.Errorf("unknown store %q", s.Store)
	}
}

// OpenBus builds the event bus: Redis Streams when enabled, in-process
// otherwise.
func (s Settings) OpenBus(ctx context.Context) (*chatevents.Bus, error) {
	if s.Redis.Enabled {
		return chatevents.NewRedisBus(ctx, s.Redis)
	}
	return chatevents.NewInProcessBus(), nil
}

// Resolver picks the identity resolver. Tokens win over the dev header.
func (s Settings) Resolver() (identity.Resolver, error) {
	if len(s.Tokens) > 0 {
		tokens, err := identity.ParseTokenSpecs(s.Tokens)
		if err != nil {
			return nil, err
		}
		return identity.NewStaticTokenResolver(tokens)
	}
	if s.DevUserHeader {
		log.Warn().Str("component", "config").Msg("trusting X-User-ID header for identity; do not expose this server")
		return identity.HeaderResolver{}, nil
	}
	return nil, errors.New("no identity configured: set --tokens or --dev-user-header")
}

func (s Settings) ServerConfig() webchat.Config {
	agentURL := s.AgentURL
	if strings.TrimSpace(agentURL) == "" && s.EmbedAgentStub {
		agentURL = webchat.SelfURL(s.Addr, "/query")
	}
	return webchat.Config{
		Addr:           s.Addr,
		AgentURL:       agentURL,
		GatewayURL:     s.GatewayURL,
		AgentTimeout:   s.AgentTimeout,
		Welcome:        s.Welcome,
		EvictIdle:      s.EvictIdle,
		EvictInterval:  s.EvictInterval,
		StreamIdle:     s.StreamIdle,
		EmbedAgentStub: s.EmbedAgentStub,
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. FACEATTEND_DB_DSN.
const EnvPrefix = "FACEATTEND"

// Config captures the settings for the recognition server and its tooling.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	TLS        TLSConfig        `mapstructure:"tls"`
	DB         DBConfig         `mapstructure:"db"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Dlib       DlibConfig       `mapstructure:"dlib"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Events     EventsConfig     `mapstructure:"events"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Iface   string `mapstructure:"iface"`
	Port    int    `mapstructure:"port"`
	WebPort int    `mapstructure:"web_port"`
	WebDir  string `mapstructure:"web_dir"`
}

type TLSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Key     string `mapstructure:"key"`
	Crt     string `mapstructure:"crt"`
}

// DBConfig selects the store by DSN scheme: postgres:// or postgresql:// use
// pgx, everything else is handed to SQLite.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ClassifierConfig struct {
	ModelLocation string `mapstructure:"model_location"`
}

type EngineConfig struct {
	Kind     string `mapstructure:"kind"`
	Python   string `mapstructure:"python"`
	Script   string `mapstructure:"script"`
	Workers  int    `mapstructure:"workers"`
	Upsample int    `mapstructure:"upsample"`
	Jitters  int    `mapstructure:"jitters"`
}

type DlibConfig struct {
	ModelDir string `mapstructure:"model_dir"`
}

type PipelineConfig struct {
	Workers   int           `mapstructure:"workers"`
	Queue     int           `mapstructure:"queue"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ConnQueue int           `mapstructure:"conn_queue"`
}

type EventsConfig struct {
	MQTTBroker   string `mapstructure:"mqtt_broker"`
	MQTTTopic    string `mapstructure:"mqtt_topic"`
	KafkaBrokers string `mapstructure:"kafka_brokers"`
	KafkaTopic   string `mapstructure:"kafka_topic"`
	Buffer       int    `mapstructure:"buffer"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// AdminConfig holds the argon2id hash guarding enrollment. Empty disables the check.
type AdminConfig struct {
	KeyHash string `mapstructure:"key_hash"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Engine kinds accepted by engine.kind.
const (
	EngineKindPython = "python"
	EngineKindDlib   = "dlib"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.iface", "127.0.0.1")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.web_port", 8080)
	v.SetDefault("server.web_dir", "")
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.key", "")
	v.SetDefault("tls.crt", "")
	v.SetDefault("db.dsn", "file:faceattend.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	v.SetDefault("classifier.model_location", "")
	v.SetDefault("engine.kind", EngineKindPython)
	v.SetDefault("engine.python", "python3")
	v.SetDefault("engine.script", "python/face_worker.py")
	v.SetDefault("engine.workers", 2)
	v.SetDefault("engine.upsample", 1)
	v.SetDefault("engine.jitters", 1)
	v.SetDefault("dlib.model_dir", "models")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue", 64)
	v.SetDefault("pipeline.timeout", 10*time.Second)
	v.SetDefault("pipeline.conn_queue", 8)
	v.SetDefault("events.mqtt_broker", "")
	v.SetDefault("events.mqtt_topic", "faceattend/attendance")
	v.SetDefault("events.kafka_brokers", "")
	v.SetDefault("events.kafka_topic", "faceattend-attendance")
	v.SetDefault("events.buffer", 256)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("admin.key_hash", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// NewViper returns a viper instance with defaults and environment binding
// applied. Commands bind their flags onto it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path (ini, yaml, toml or json by
// extension) on top of the defaults and environment of v, then validates the
// result. A nil v starts from NewViper.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = NewViper()
	}

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config file not found: %s", path)
			}
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate reports every missing and invalid key at once.
func (c Config) validate() error {
	missing := make([]string, 0, 2)
	invalid := make([]string, 0, 4)

	if strings.TrimSpace(c.DB.DSN) == "" {
		missing = append(missing, "db.dsn")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		invalid = append(invalid, "server.port")
	}
	if c.Server.WebPort < 0 || c.Server.WebPort > 65535 {
		invalid = append(invalid, "server.web_port")
	}
	if c.TLS.Enabled {
		if strings.TrimSpace(c.TLS.Key) == "" {
			missing = append(missing, "tls.key")
		}
		if strings.TrimSpace(c.TLS.Crt) == "" {
			missing = append(missing, "tls.crt")
		}
	}
	switch c.Engine.Kind {
	case EngineKindPython, EngineKindDlib:
	default:
		invalid = append(invalid, "engine.kind")
	}
	if c.Engine.Workers <= 0 {
		invalid = append(invalid, "engine.workers")
	}
	if c.Pipeline.Workers <= 0 {
		invalid = append(invalid, "pipeline.workers")
	}
	if c.Pipeline.Queue < 0 {
		invalid = append(invalid, "pipeline.queue")
	}
	if c.Pipeline.Timeout <= 0 {
		invalid = append(invalid, "pipeline.timeout")
	}
	if c.Pipeline.ConnQueue <= 0 {
		invalid = append(invalid, "pipeline.conn_queue")
	}
	if c.Events.Buffer <= 0 {
		invalid = append(invalid, "events.buffer")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration values: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// RequireClassifier reports an error when the serve path has no model to load.
func (c Config) RequireClassifier() error {
	if strings.TrimSpace(c.Classifier.ModelLocation) == "" {
		return fmt.Errorf("missing required configuration: classifier.model_location")
	}
	return nil
}

// KafkaBrokerList splits the comma separated broker setting.
func (c EventsConfig) KafkaBrokerList() []string {
	if strings.TrimSpace(c.KafkaBrokers) == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsPostgres reports whether the DSN targets PostgreSQL.
func (c DBConfig) IsPostgres() bool {
	dsn := strings.ToLower(strings.TrimSpace(c.DSN))
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Assign    AssignConfig    `mapstructure:"assign"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Reply     ReplyConfig     `mapstructure:"reply"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type HeartbeatConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MissThreshold int           `mapstructure:"miss_threshold"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type AssignConfig struct {
	RetrySweep time.Duration `mapstructure:"retry_sweep"`
}

type IngestConfig struct {
	// PlatformTZOffset is applied to inbound timestamps that carry no zone
	// information. The platform reports wall-clock time in its own zone;
	// the correction is explicit configuration, never inferred.
	PlatformTZOffset time.Duration `mapstructure:"platform_tz_offset"`
	Retention        time.Duration `mapstructure:"retention"`
	QueueSize        int           `mapstructure:"queue_size"`
}

type NotifyConfig struct {
	CollapseWindow time.Duration `mapstructure:"collapse_window"`
}

type ReplyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	WorkerToken string        `mapstructure:"worker_token"`
	// OperatorKey gates token issuance. With no key configured the token
	// endpoint refuses to sign anything.
	OperatorKey string        `mapstructure:"operator_key"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("heartbeat.interval", "10s")
	v.SetDefault("heartbeat.miss_threshold", 3)
	v.SetDefault("heartbeat.sweep_interval", "5s")
	v.SetDefault("assign.retry_sweep", "30s")
	v.SetDefault("ingest.platform_tz_offset", "0s")
	v.SetDefault("ingest.retention", "720h")
	v.SetDefault("ingest.queue_size", 1024)
	v.SetDefault("notify.collapse_window", "2s")
	v.SetDefault("reply.timeout", "60s")
	v.SetDefault("auth.token_ttl", "24h")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`

	DB        DBConfig        `mapstructure:"db"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// DBConfig holds the Postgres connection settings.
type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// KafkaConfig holds the dispatch topic settings.
type KafkaConfig struct {
	Broker        string `mapstructure:"broker"`
	DispatchTopic string `mapstructure:"dispatch_topic"`
	GroupID       string `mapstructure:"group_id"`
}

// ArchiveConfig holds the object store settings for payload archiving.
type ArchiveConfig struct {
	Enable    bool   `mapstructure:"enable"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// AuthConfig holds the OIDC settings for the operator API.
type AuthConfig struct {
	IssuerURL string `mapstructure:"issuer_url"`
	ClientID  string `mapstructure:"client_id"`
}

// SchedulerConfig holds the background tick loop settings.
type SchedulerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	StuckAfter time.Duration `mapstructure:"stuck_after"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("ENRICHFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// every key needs a default so AutomaticEnv feeds Unmarshal
	viper.SetDefault("environment", "DEV")
	viper.SetDefault("dev_mode_bypass", false)
	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.user", "postgres")
	viper.SetDefault("db.password", "")
	viper.SetDefault("db.name", "enrichflow")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("kafka.broker", "")
	viper.SetDefault("kafka.dispatch_topic", "enrichment-dispatch")
	viper.SetDefault("kafka.group_id", "enrichflow-workers")
	viper.SetDefault("archive.enable", false)
	viper.SetDefault("archive.endpoint", "")
	viper.SetDefault("archive.access_key", "")
	viper.SetDefault("archive.secret_key", "")
	viper.SetDefault("archive.bucket", "enrichflow-callbacks")
	viper.SetDefault("archive.use_ssl", false)
	viper.SetDefault("auth.issuer_url", "")
	viper.SetDefault("auth.client_id", "")
	viper.SetDefault("scheduler.interval", time.Minute)
	viper.SetDefault("scheduler.batch_size", 50)
	viper.SetDefault("scheduler.stuck_after", 15*time.Minute)

	if err := viper.ReadInConfig(); err != nil {
		// config file is optional when everything comes from the environment
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Auth.IssuerURL = normalizeIssuer(config.Auth.IssuerURL)

	return &config, nil
}

// normalizeIssuer ensures the provided OIDC issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact, so users can paste the full URL from their IdP admin console.
func normalizeIssuer(input string) string {
	iss := strings.TrimSpace(input)
	if strings.HasSuffix(iss, "/") {
		iss = strings.TrimRight(iss, "/")
	}
	return iss
}

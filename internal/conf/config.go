package conf

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       logger.Config   `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Quota     QuotaConfig     `mapstructure:"quota"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

// RetrievalConfig configures the external retrieval collaborator.
// Timeout bounds the single augmentation attempt, independent of the
// overall turn ceiling.
type RetrievalConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	TopK    int           `mapstructure:"top_k"`
}

// ProviderConfig configures the shared model credential and stream pacing.
type ProviderConfig struct {
	SharedAPIKey string        `mapstructure:"shared_api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	DefaultModel string        `mapstructure:"default_model"`
	WordDelay    time.Duration `mapstructure:"word_delay"`
	TurnCeiling  time.Duration `mapstructure:"turn_ceiling"`
	MaxToolSteps int           `mapstructure:"max_tool_steps"`
}

type QuotaConfig struct {
	DailyMessageLimit int `mapstructure:"daily_message_limit"`
	DailyAPIKeyLimit  int `mapstructure:"daily_api_key_limit"`
}

func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Retrieval.Timeout == 0 {
		c.Retrieval.Timeout = 5 * time.Second
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 5
	}
	if c.Provider.WordDelay == 0 {
		c.Provider.WordDelay = 20 * time.Millisecond
	}
	if c.Provider.TurnCeiling == 0 {
		c.Provider.TurnCeiling = 5 * time.Minute
	}
	if c.Provider.MaxToolSteps == 0 {
		c.Provider.MaxToolSteps = 20
	}
	if c.Quota.DailyMessageLimit == 0 {
		c.Quota.DailyMessageLimit = 200
	}
	if c.Quota.DailyAPIKeyLimit == 0 {
		c.Quota.DailyAPIKeyLimit = 1000
	}
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

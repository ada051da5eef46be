package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Env       string `mapstructure:"env"`
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	TopicNotifications string   `mapstructure:"topic_notifications"`
}

type S3Config struct {
	Region string `mapstructure:"region"`
	Bucket string `mapstructure:"bucket"`
}

type Config struct {
	App   AppConfig   `mapstructure:"app"`
	Mongo MongoConfig `mapstructure:"mongo"`
	Redis RedisConfig `mapstructure:"redis"`
	NATS  NATSConfig  `mapstructure:"nats"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	S3    S3Config    `mapstructure:"s3"`

	APIRequestsPerMinute int `mapstructure:"api_requests_per_minute"`

	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
	ShutdownGrace        time.Duration
}

// Load reads the config file and lets environment variables override any key
// (MARKETCHAT_APP_PORT overrides app.port, and so on).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MARKETCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.App.Port == 0 {
		c.App.Port = 8080
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "marketchat"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "marketchat"
	}
	if c.APIRequestsPerMinute == 0 {
		c.APIRequestsPerMinute = 300
	}
	if c.ShutdownGraceSeconds == 0 {
		c.ShutdownGraceSeconds = 10
	}
	c.ShutdownGrace = time.Duration(c.ShutdownGraceSeconds) * time.Second
	return &c, nil
}

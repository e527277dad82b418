package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Port int    `mapstructure:"port"`
}

func (a AppConfig) Addr() string { return fmt.Sprintf(":%d", a.Port) }

func (a AppConfig) Dev() bool { return a.Env == "" || a.Env == "dev" || a.Env == "development" }

type JWTConfig struct {
	Algorithm     string `mapstructure:"algorithm"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type MongoConfig struct {
	URI            string `mapstructure:"uri"`
	Database       string `mapstructure:"database"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	Prefix        string `mapstructure:"prefix"`
	FanoutChannel string `mapstructure:"fanout_channel"`
	Enabled       bool   `mapstructure:"enabled"`
}

type KafkaConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	Brokers          []string `mapstructure:"brokers"`
	TopicEvents      string   `mapstructure:"topic_events"`
	TopicUserCreated string   `mapstructure:"topic_user_created"`
	GroupID          string   `mapstructure:"group_id"`
}

type BreakerConfig struct {
	MaxFailures uint32 `mapstructure:"max_failures"`
	IntervalSec int    `mapstructure:"interval_sec"`
	TimeoutSec  int    `mapstructure:"timeout_sec"`
}

type WSConfig struct {
	PingIntervalSeconds     int   `mapstructure:"ping_interval_seconds"`
	WriteDeadlineSeconds    int   `mapstructure:"write_deadline_seconds"`
	HeartbeatTimeoutSeconds int   `mapstructure:"heartbeat_timeout_seconds"`
	SweepIntervalSeconds    int   `mapstructure:"sweep_interval_seconds"`
	MaxMessageSizeBytes     int64 `mapstructure:"max_message_size_bytes"`
	SendBuffer              int   `mapstructure:"send_buffer"`
	RateLimitPerSec         int   `mapstructure:"rate_limit_per_sec"`
	EchoToOrigin            bool  `mapstructure:"echo_to_origin"`
}

type ConversationConfig struct {
	GroupMinMembers int `mapstructure:"group_min_members"`
	CASRetries      int `mapstructure:"cas_retries"`
}

type MessageConfig struct {
	MaxBodyLength   int `mapstructure:"max_body_length"`
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
}

type SocialConfig struct {
	SagaRetries   int `mapstructure:"saga_retries"`
	SagaBackoffMs int `mapstructure:"saga_backoff_ms"`
}

type S3Config struct {
	Enabled    bool   `mapstructure:"enabled"`
	Region     string `mapstructure:"region"`
	Bucket     string `mapstructure:"bucket"`
	Endpoint   string `mapstructure:"endpoint"`
	PresignTTL int    `mapstructure:"presign_ttl_seconds"`
}

type ConsulConfig struct {
	Addr        string `mapstructure:"addr"`
	ServiceName string `mapstructure:"service_name"`
	ServiceHost string `mapstructure:"service_host"`
}

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Mongo        MongoConfig        `mapstructure:"mongo"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	WS           WSConfig           `mapstructure:"ws"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Message      MessageConfig      `mapstructure:"message"`
	Social       SocialConfig       `mapstructure:"social"`
	S3           S3Config           `mapstructure:"s3"`
	Consul       ConsulConfig       `mapstructure:"consul"`

	RateLimitPerMin int `mapstructure:"rate_limit_per_min"`

	// derived
	MongoTimeout     time.Duration `mapstructure:"-"`
	PingInterval     time.Duration `mapstructure:"-"`
	WriteDeadline    time.Duration `mapstructure:"-"`
	HeartbeatTimeout time.Duration `mapstructure:"-"`
	SweepInterval    time.Duration `mapstructure:"-"`
	SagaBackoff      time.Duration `mapstructure:"-"`
	PresignTTL       time.Duration `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "social-messaging")
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.port", 8085)
	v.SetDefault("jwt.algorithm", "HS256")
	v.SetDefault("jwt.hs_secret", "")
	v.SetDefault("jwt.public_key_path", "")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "social")
	v.SetDefault("mongo.timeout_seconds", 5)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.prefix", "social")
	v.SetDefault("redis.fanout_channel", "ws:fanout")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_events", "social.events")
	v.SetDefault("kafka.topic_user_created", "user.created")
	v.SetDefault("kafka.group_id", "social-messaging")
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.interval_sec", 60)
	v.SetDefault("breaker.timeout_sec", 30)
	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.heartbeat_timeout_seconds", 60)
	v.SetDefault("ws.sweep_interval_seconds", 15)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.rate_limit_per_sec", 10)
	v.SetDefault("ws.echo_to_origin", false)
	v.SetDefault("conversation.group_min_members", 3)
	v.SetDefault("conversation.cas_retries", 5)
	v.SetDefault("message.max_body_length", 4000)
	v.SetDefault("message.default_page_size", 50)
	v.SetDefault("message.max_page_size", 200)
	v.SetDefault("social.saga_retries", 3)
	v.SetDefault("social.saga_backoff_ms", 50)
	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.presign_ttl_seconds", 900)
	v.SetDefault("consul.addr", "")
	v.SetDefault("consul.service_name", "social-messaging")
	v.SetDefault("consul.service_host", "")
	v.SetDefault("rate_limit_per_min", 600)
}

// Load reads the yaml file at path (optional when empty) and overlays
// environment variables, e.g. MONGO_URI overrides mongo.uri.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.derive()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) derive() {
	c.MongoTimeout = time.Duration(c.Mongo.TimeoutSeconds) * time.Second
	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.HeartbeatTimeout = time.Duration(c.WS.HeartbeatTimeoutSeconds) * time.Second
	c.SweepInterval = time.Duration(c.WS.SweepIntervalSeconds) * time.Second
	c.SagaBackoff = time.Duration(c.Social.SagaBackoffMs) * time.Millisecond
	c.PresignTTL = time.Duration(c.S3.PresignTTL) * time.Second
}

func (c *Config) Validate() error {
	if c.Conversation.GroupMinMembers < 3 {
		return fmt.Errorf("conversation.group_min_members must be at least 3, got %d", c.Conversation.GroupMinMembers)
	}
	switch strings.ToUpper(c.JWT.Algorithm) {
	case "HS256":
		if c.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret is required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path is required for RS256")
		}
	default:
		return fmt.Errorf("unsupported jwt.algorithm %q", c.JWT.Algorithm)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers required when kafka is enabled")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return errors.New("s3.bucket required when s3 is enabled")
	}
	if c.HeartbeatTimeout <= c.PingInterval {
		return errors.New("ws.heartbeat_timeout_seconds must exceed ws.ping_interval_seconds")
	}
	return nil
}

// Package config loads huddle settings from defaults, an optional
// huddle.yaml and HUDDLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var ErrConfiguration = errors.New("configuration error")

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Collector CollectorConfig `mapstructure:"collector"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// CollectorConfig controls message batching
type CollectorConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"        validate:"gt=0"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait" validate:"gtefield=Timeout"`
	MaxBatchSize int           `mapstructure:"max_batch_size" validate:"gte=0"`
}

type BrokerConfig struct {
	BufferSize int `mapstructure:"buffer_size" validate:"gt=0"`
}

type AgentsConfig struct {
	Count        int           `mapstructure:"count"         validate:"min=1,max=32"`
	Klass        string        `mapstructure:"klass"         validate:"required"`
	Task         string        `mapstructure:"task"`
	QueueSize    int           `mapstructure:"queue_size"    validate:"gt=0"`
	MemorySize   int           `mapstructure:"memory_size"   validate:"gt=0"`
	AutoReply    bool          `mapstructure:"auto_reply"`
	MaxReplies   int           `mapstructure:"max_replies"   validate:"gte=0"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" validate:"gt=0"`
}

type ProviderConfig struct {
	Name    string `mapstructure:"name"     validate:"oneof=openai gemini echo"`
	Model   string `mapstructure:"model"    validate:"required"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey  string `mapstructure:"api_key"`
}

// JournalConfig enables the sqlite batch journal when Path is set
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig enables the metrics endpoint when Addr is set
type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// Load reads configuration in this order of precedence:
// 1. HUDDLE_* environment variables
// 2. the config file (path, or ./huddle.yaml when path is empty)
// 3. defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("huddle")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrConfiguration, err)
		}
		// Config file not found is okay, we'll use defaults
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)

	v.SetDefault("collector.timeout", DefaultCollectorTimeout)
	v.SetDefault("collector.max_batch_wait", DefaultCollectorMaxBatchWait)
	v.SetDefault("collector.max_batch_size", DefaultCollectorMaxBatchSize)

	v.SetDefault("broker.buffer_size", DefaultBrokerBufferSize)

	v.SetDefault("agents.count", DefaultAgentCount)
	v.SetDefault("agents.klass", DefaultAgentKlass)
	v.SetDefault("agents.task", DefaultAgentTask)
	v.SetDefault("agents.queue_size", DefaultAgentQueueSize)
	v.SetDefault("agents.memory_size", DefaultAgentMemorySize)
	v.SetDefault("agents.auto_reply", DefaultAgentAutoReply)
	v.SetDefault("agents.max_replies", DefaultAgentMaxReplies)
	v.SetDefault("agents.reply_timeout", DefaultAgentReplyTimeout)

	v.SetDefault("provider.name", DefaultProviderName)
	v.SetDefault("provider.model", DefaultProviderModel)
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.api_key", "")

	v.SetDefault("journal.path", "")
	v.SetDefault("metrics.addr", "")
}

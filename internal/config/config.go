package config

import (
	"log"

	"gopkg.in/yaml.v3"

	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/config"
)

type Config struct {
	DB     config.DBConfig     `yaml:"db"`
	MQ     config.MQConfig     `yaml:"mq"`
	Redis  config.RedisConfig  `yaml:"redis"`
	JWT    config.JWTConfig    `yaml:"jwt"`
	Server config.ServerConfig `yaml:"server"`
	Inbox  InboxConfig         `yaml:"inbox"`
}

// InboxConfig tunes the sync engine for one recipient session.
type InboxConfig struct {
	RecipientID            string `yaml:"recipient_id"`
	PageSize               int    `yaml:"page_size"`
	QueryTimeoutSeconds    int    `yaml:"query_timeout_seconds"`
	MutationTimeoutSeconds int    `yaml:"mutation_timeout_seconds"`
	ReconnectInitialMs     int    `yaml:"reconnect_initial_ms"`
	ReconnectMaxMs         int    `yaml:"reconnect_max_ms"`
	DedupTTLSeconds        int    `yaml:"dedup_ttl_seconds"`
	MaxRedeliveries        int64  `yaml:"max_redeliveries"`
}

func Load() *Config {
	// 使用统一配置中心
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 转换为 Config 结构
	var cfg Config
	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		log.Fatalf("failed to marshal config: %v", err)
	}
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)

	if cfg.Inbox.RecipientID == "" {
		cfg.Inbox.RecipientID = config.GetEnv("INBOX_RECIPIENT_ID", "")
	}

	return &cfg
}

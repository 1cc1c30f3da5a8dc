package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	MovementEvent    string `mapstructure:"movement_event"`
	ConsistencyAlert string `mapstructure:"consistency_alert"`
	BatchExpired     string `mapstructure:"batch_expired"`
}

type BusinessConfig struct {
	MaxRetryCount           int `mapstructure:"max_retry_count"`            // 发件箱消息最大重试次数
	BatchSweepSeconds       int `mapstructure:"batch_sweep_seconds"`        // 批次过期巡检间隔
	BatchSweepLimit         int `mapstructure:"batch_sweep_limit"`          // 单轮巡检处理上限
	BatchArchiveAfterDays   int `mapstructure:"batch_archive_after_days"`   // 终态批次多少天后归档
	PurchaseLockSeconds     int `mapstructure:"purchase_lock_seconds"`      // 购买锁过期时间
	DefaultMovementPageSize int `mapstructure:"default_movement_page_size"` // 流水分页默认条数
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type RoomConfig struct {
	AutoDelete bool `mapstructure:"auto_delete"`
}

type PersistenceConfig struct {
	Backend    string        `mapstructure:"backend"` // none | sqlite | redis
	SqlitePath string        `mapstructure:"sqlite_path"`
	RedisAddr  string        `mapstructure:"redis_addr"`
	RedisTTL   time.Duration `mapstructure:"redis_ttl"`
}

type Config struct {
	Mode        string            `mapstructure:"mode"`
	Port        int               `mapstructure:"port"`
	ReadLimit   int64             `mapstructure:"read_limit"`
	PingPeriod  time.Duration     `mapstructure:"ping_period"`
	Secret      string            `mapstructure:"secret"`
	Room        RoomConfig        `mapstructure:"room"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 1234)
	v.SetDefault("read_limit", 1048576)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "y-sessions-dev-secret")
	v.SetDefault("room.auto_delete", false)
	v.SetDefault("persistence.backend", "none")
	v.SetDefault("persistence.sqlite_path", "./data/rooms.db")
	v.SetDefault("persistence.redis_addr", "localhost:6379")
	v.SetDefault("persistence.redis_ttl", "0s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

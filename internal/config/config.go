package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	Afk AfkConfig `mapstructure:"afk"`
	RTC RTCConfig `mapstructure:"rtc"`
}

type AfkConfig struct {
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type RTCConfig struct {
	UDPPortMin uint16 `mapstructure:"udp_port_min"`
	UDPPortMax uint16 `mapstructure:"udp_port_max"`
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
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("afk.sweep_interval", "30s")
	v.SetDefault("afk.default_timeout", "300s")
	v.SetDefault("rtc.udp_port_min", 50000)
	v.SetDefault("rtc.udp_port_max", 50199)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

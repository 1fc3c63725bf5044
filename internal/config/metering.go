package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// MeteringConfig is the hot-reloadable credit policy.
type MeteringConfig struct {
	MinuteLength        time.Duration `mapstructure:"minuteLength"`
	RetryAttempts       uint          `mapstructure:"retryAttempts"`
	HistoryDefaultLimit int           `mapstructure:"historyDefaultLimit"`
	HistoryMaxLimit     int           `mapstructure:"historyMaxLimit"`
	RecentHistoryLimit  int           `mapstructure:"recentHistoryLimit"`
	UsageCacheTTL       time.Duration `mapstructure:"usageCacheTTL"`
	CreditsPerUnit      int64         `mapstructure:"creditsPerUnit"`
	WelcomeBonusCredits int64         `mapstructure:"welcomeBonusCredits"`
}

func DefaultMeteringConfig() MeteringConfig {
	return MeteringConfig{
		MinuteLength:        time.Minute,
		RetryAttempts:       5,
		HistoryDefaultLimit: 50,
		HistoryMaxLimit:     500,
		RecentHistoryLimit:  10,
		UsageCacheTTL:       30 * time.Second,
		CreditsPerUnit:      100,
		WelcomeBonusCredits: 60,
	}
}

type MeteringConfigHolder struct {
	current atomic.Value // holds MeteringConfig
}

// NewStaticMeteringConfigHolder pins cfg without watching any file.
func NewStaticMeteringConfigHolder(cfg MeteringConfig) *MeteringConfigHolder {
	holder := &MeteringConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

// NewMeteringConfigHolder reads metering.yml (or the file at path) and keeps
// the policy current while the file changes. Missing files fall back to
// DefaultMeteringConfig.
func NewMeteringConfigHolder(path string, log *zap.Logger) (*MeteringConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.metering")

	v := viper.New()
	path = strings.TrimSpace(path)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("metering")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/creditledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setMeteringDefaults(v)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeMeteringConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticMeteringConfigHolder(cfg)
	if !fileLoaded {
		log.Info("metering config file not found, using defaults")
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeMeteringConfig(v)
		if err != nil {
			log.Warn("metering config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("metering config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *MeteringConfigHolder) Get() MeteringConfig {
	if h == nil {
		return DefaultMeteringConfig()
	}
	cfg, ok := h.current.Load().(MeteringConfig)
	if !ok {
		return DefaultMeteringConfig()
	}
	return cfg
}

func setMeteringDefaults(v *viper.Viper) {
	d := DefaultMeteringConfig()
	v.SetDefault("metering.minuteLength", d.MinuteLength)
	v.SetDefault("metering.retryAttempts", d.RetryAttempts)
	v.SetDefault("metering.historyDefaultLimit", d.HistoryDefaultLimit)
	v.SetDefault("metering.historyMaxLimit", d.HistoryMaxLimit)
	v.SetDefault("metering.recentHistoryLimit", d.RecentHistoryLimit)
	v.SetDefault("metering.usageCacheTTL", d.UsageCacheTTL)
	v.SetDefault("metering.creditsPerUnit", d.CreditsPerUnit)
	v.SetDefault("metering.welcomeBonusCredits", d.WelcomeBonusCredits)
}

func decodeMeteringConfig(v *viper.Viper) (MeteringConfig, error) {
	var root struct {
		Metering MeteringConfig `mapstructure:"metering"`
	}
	if err := v.Unmarshal(&root); err != nil {
		return MeteringConfig{}, err
	}
	cfg := root.Metering
	if err := validateMeteringConfig(cfg); err != nil {
		return MeteringConfig{}, err
	}
	return cfg, nil
}

func validateMeteringConfig(cfg MeteringConfig) error {
	if cfg.MinuteLength <= 0 {
		return errors.New("metering.minuteLength must be positive")
	}
	if cfg.RetryAttempts == 0 {
		return errors.New("metering.retryAttempts must be at least 1")
	}
	if cfg.HistoryDefaultLimit <= 0 || cfg.HistoryMaxLimit < cfg.HistoryDefaultLimit {
		return errors.New("metering.historyDefaultLimit must be positive and not exceed historyMaxLimit")
	}
	if cfg.CreditsPerUnit <= 0 {
		return errors.New("metering.creditsPerUnit must be positive")
	}
	if cfg.WelcomeBonusCredits < 0 {
		return errors.New("metering.welcomeBonusCredits cannot be negative")
	}
	return nil
}

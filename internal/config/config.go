package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"retrace/internal/storage"

	"github.com/adhocore/gronx"
	"github.com/spf13/viper"
)

type GrouperConfig struct {
	MergeThreshold     float64 `mapstructure:"merge_threshold"`
	MaxIdleGapMinutes  int     `mapstructure:"max_idle_gap_minutes"`
	WeightContinuation float64 `mapstructure:"weight_continuation"`
	WeightAppMatch     float64 `mapstructure:"weight_app_match"`
	WeightTagOverlap   float64 `mapstructure:"weight_tag_overlap"`
}

type SuggestConfig struct {
	MinHabitConfidence   float64 `mapstructure:"min_habit_confidence"`
	CooldownMinutes      int     `mapstructure:"cooldown_minutes"`
	IdleThresholdMinutes int     `mapstructure:"idle_threshold_minutes"`
	PendingTimeoutHours  int     `mapstructure:"pending_timeout_hours"`
	MaxPerHour           int     `mapstructure:"max_per_hour"`
	Burst                int     `mapstructure:"burst"`
}

// ScheduleConfig carries the cron expressions for the batch jobs.
type ScheduleConfig struct {
	Detection      string `mapstructure:"detection"`
	DailySummary   string `mapstructure:"daily_summary"`
	WeeklySummary  string `mapstructure:"weekly_summary"`
	MonthlySummary string `mapstructure:"monthly_summary"`
}

type Config struct {
	DataDir             string `mapstructure:"data_dir"`
	DatabasePath        string `mapstructure:"database_path"`
	SocketPath          string `mapstructure:"socket_path"`
	SpoolDir            string `mapstructure:"spool_dir"`
	CaptureIntervalSecs int    `mapstructure:"capture_interval_secs"`
	SegmentSecs         int    `mapstructure:"segment_secs"`

	Grouper  GrouperConfig  `mapstructure:"grouper"`
	Suggest  SuggestConfig  `mapstructure:"suggest"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "retrace-data"
	}
	return filepath.Join(home, ".local", "share", "retrace")
}

func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/retrace")
		viper.AddConfigPath("/etc/retrace/")
	}

	viper.SetEnvPrefix("RETRACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("database_path", "")
	viper.SetDefault("socket_path", "/tmp/retrace.sock")
	viper.SetDefault("spool_dir", "")
	viper.SetDefault("capture_interval_secs", storage.DefaultCaptureIntervalSecs)
	viper.SetDefault("segment_secs", storage.DefaultSegmentSecs)

	viper.SetDefault("grouper.merge_threshold", 0.5)
	viper.SetDefault("grouper.max_idle_gap_minutes", 15)
	viper.SetDefault("grouper.weight_continuation", 0.5)
	viper.SetDefault("grouper.weight_app_match", 0.3)
	viper.SetDefault("grouper.weight_tag_overlap", 0.2)

	viper.SetDefault("suggest.min_habit_confidence", 0.7)
	viper.SetDefault("suggest.cooldown_minutes", 120)
	viper.SetDefault("suggest.idle_threshold_minutes", 30)
	viper.SetDefault("suggest.pending_timeout_hours", 24)
	viper.SetDefault("suggest.max_per_hour", 6)
	viper.SetDefault("suggest.burst", 3)

	viper.SetDefault("schedule.detection", "0 * * * *")
	viper.SetDefault("schedule.daily_summary", "10 0 * * *")
	viper.SetDefault("schedule.weekly_summary", "20 0 * * 1")
	viper.SetDefault("schedule.monthly_summary", "30 0 1 * *")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("Config file not found, using defaults.")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDerivedPaths()
	cfg.clamp()

	log.Printf("Configuration loaded: %+v", cfg)
	return &cfg, nil
}

// FileUsed returns the config file the last load resolved, empty when the
// daemon runs on defaults only.
func FileUsed() string {
	return viper.ConfigFileUsed()
}

// applyDerivedPaths fills path knobs left empty from the data dir.
func (c *Config) applyDerivedPaths() {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "retrace.db")
	}
	if c.SpoolDir == "" {
		c.SpoolDir = filepath.Join(c.DataDir, "spool")
	}
}

// clamp resets out-of-range values to their defaults with a logged warning
// rather than failing the load.
func (c *Config) clamp() {
	if c.CaptureIntervalSecs < storage.MinCaptureIntervalSecs || c.CaptureIntervalSecs > storage.MaxCaptureIntervalSecs {
		log.Printf("Warning: capture_interval_secs %d outside [%d, %d], using %d",
			c.CaptureIntervalSecs, storage.MinCaptureIntervalSecs, storage.MaxCaptureIntervalSecs,
			storage.DefaultCaptureIntervalSecs)
		c.CaptureIntervalSecs = storage.DefaultCaptureIntervalSecs
	}
	if c.SegmentSecs < storage.MinSegmentSecs || c.SegmentSecs > storage.MaxSegmentSecs {
		log.Printf("Warning: segment_secs %d outside [%d, %d], using %d",
			c.SegmentSecs, storage.MinSegmentSecs, storage.MaxSegmentSecs, storage.DefaultSegmentSecs)
		c.SegmentSecs = storage.DefaultSegmentSecs
	}

	if c.Grouper.MergeThreshold <= 0 || c.Grouper.MergeThreshold > 1 {
		log.Printf("Warning: grouper.merge_threshold %.2f outside (0, 1], using 0.5", c.Grouper.MergeThreshold)
		c.Grouper.MergeThreshold = 0.5
	}
	if c.Grouper.MaxIdleGapMinutes < 1 {
		log.Println("Warning: grouper.max_idle_gap_minutes too low, using 15")
		c.Grouper.MaxIdleGapMinutes = 15
	}
	if c.Grouper.WeightContinuation < 0 || c.Grouper.WeightAppMatch < 0 || c.Grouper.WeightTagOverlap < 0 {
		log.Println("Warning: negative grouper weight, using defaults 0.5/0.3/0.2")
		c.Grouper.WeightContinuation = 0.5
		c.Grouper.WeightAppMatch = 0.3
		c.Grouper.WeightTagOverlap = 0.2
	}

	if c.Suggest.MinHabitConfidence < 0 || c.Suggest.MinHabitConfidence > 1 {
		log.Printf("Warning: suggest.min_habit_confidence %.2f outside [0, 1], using 0.7", c.Suggest.MinHabitConfidence)
		c.Suggest.MinHabitConfidence = 0.7
	}
	if c.Suggest.CooldownMinutes < 1 {
		log.Println("Warning: suggest.cooldown_minutes too low, using 120")
		c.Suggest.CooldownMinutes = 120
	}
	if c.Suggest.IdleThresholdMinutes < 1 {
		log.Println("Warning: suggest.idle_threshold_minutes too low, using 30")
		c.Suggest.IdleThresholdMinutes = 30
	}
	if c.Suggest.PendingTimeoutHours < 1 {
		log.Println("Warning: suggest.pending_timeout_hours too low, using 24")
		c.Suggest.PendingTimeoutHours = 24
	}
	if c.Suggest.MaxPerHour < 1 {
		log.Println("Warning: suggest.max_per_hour too low, using 6")
		c.Suggest.MaxPerHour = 6
	}
	if c.Suggest.Burst < 1 {
		log.Println("Warning: suggest.burst too low, using 3")
		c.Suggest.Burst = 3
	}

	validator := gronx.New()
	crons := []struct {
		field *string
		def   string
	}{
		{&c.Schedule.Detection, "0 * * * *"},
		{&c.Schedule.DailySummary, "10 0 * * *"},
		{&c.Schedule.WeeklySummary, "20 0 * * 1"},
		{&c.Schedule.MonthlySummary, "30 0 1 * *"},
	}
	for _, cr := range crons {
		if !validator.IsValid(*cr.field) {
			log.Printf("Warning: invalid cron expression %q, using %q", *cr.field, cr.def)
			*cr.field = cr.def
		}
	}
}

// --- Derived paths and durations ---

func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

func (c *Config) PidFile() string {
	return filepath.Join(c.DataDir, "retrace.pid")
}

func (c *Config) LogFile() string {
	return filepath.Join(c.DataDir, "retrace.log")
}

func (g GrouperConfig) MaxIdleGap() time.Duration {
	return time.Duration(g.MaxIdleGapMinutes) * time.Minute
}

func (s SuggestConfig) Cooldown() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

func (s SuggestConfig) IdleThreshold() time.Duration {
	return time.Duration(s.IdleThresholdMinutes) * time.Minute
}

func (s SuggestConfig) PendingTimeout() time.Duration {
	return time.Duration(s.PendingTimeoutHours) * time.Hour
}

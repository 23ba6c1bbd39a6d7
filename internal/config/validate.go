package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"readbot/internal/apperr"
	"readbot/internal/clock"
	"readbot/internal/task/scheduler"
)

const (
	DefaultSendTime          = "05:00"
	DefaultDailyReportTime   = "23:00"
	DefaultMonthlyReportTime = "23:30"
	DefaultStoragePath       = "./data/readbot.db"
	DefaultJobTimeout        = 5 * time.Minute
	DefaultCacheTTL          = time.Hour
)

var defaultKeywords = []string{"done", "selesai"}

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	c := &cfg.Campaign
	if strings.TrimSpace(c.SendTime) == "" {
		c.SendTime = DefaultSendTime
	}
	if strings.TrimSpace(c.DailyReportTime) == "" {
		c.DailyReportTime = DefaultDailyReportTime
	}
	if strings.TrimSpace(c.MonthlyReportTime) == "" {
		c.MonthlyReportTime = DefaultMonthlyReportTime
	}
	if len(c.CompletionKeywords) == 0 {
		c.CompletionKeywords = append([]string(nil), defaultKeywords...)
	}
	if strings.TrimSpace(cfg.Content.Source) == "" {
		cfg.Content.Source = "s3"
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate reports every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(apperr.Validationf("telegram.token", "is required (or set READBOT_TELEGRAM_TOKEN)"))
	}
	if cfg.Telegram.GroupID == 0 {
		add(apperr.Validationf("telegram.group_id", "is required"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	c := cfg.Campaign
	_, err = clock.LoadLocation(c.Timezone)
	add(err)
	if c.StartDate != "" {
		_, err = clock.ParseDate(c.StartDate)
		add(err)
	}
	if c.StartIndex < 0 {
		add(apperr.Validationf("campaign.start_index", "must be >= 0"))
	}
	_, err = c.DeliverySpec()
	add(err)
	for field, v := range map[string]string{
		"campaign.daily_report_time":   c.DailyReportTime,
		"campaign.monthly_report_time": c.MonthlyReportTime,
	} {
		if err := scheduler.ValidHHMM(v); err != nil {
			add(apperr.Validationf(field, "%v", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Content.Source)) {
	case "s3":
		if strings.TrimSpace(cfg.Content.S3.Bucket) == "" {
			add(apperr.Validationf("content.s3.bucket", "is required"))
		}
	case "dir":
		if strings.TrimSpace(cfg.Content.Dir) == "" {
			add(apperr.Validationf("content.dir", "is required"))
		}
	default:
		add(apperr.Validationf("content.source", "unknown source %q (want s3 or dir)", cfg.Content.Source))
	}
	_, err = ParseDurationField("content.cache_ttl", cfg.Content.CacheTTL)
	add(err)
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	_, err = ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	add(err)

	return errors.Join(errs...)
}

// DeliverySpec builds the cron spec for the delivery job.
func (c CampaignConfig) DeliverySpec() (string, error) {
	days, err := scheduler.ParseWeekdays(c.ExcludedDays)
	if err != nil {
		return "", apperr.Validationf("campaign.excluded_days", "%v", err)
	}
	spec, err := scheduler.DailyAt(c.SendTime, days)
	if err != nil {
		return "", apperr.Validationf("campaign.send_time", "%v", err)
	}
	return spec, nil
}

// Start returns the configured start date; ok is false when unset.
func (c CampaignConfig) Start() (d clock.Date, ok bool, err error) {
	if strings.TrimSpace(c.StartDate) == "" {
		return clock.Date{}, false, nil
	}
	d, err = clock.ParseDate(c.StartDate)
	return d, err == nil, err
}

func (c *Config) Location() (*time.Location, error) {
	return clock.LoadLocation(c.Campaign.Timezone)
}

func (c *Config) JobTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.job_timeout", c.Scheduler.JobTimeout, DefaultJobTimeout)
	return d
}

func (c *Config) CacheTTL() time.Duration {
	d, _ := ParseDurationOrDefault("content.cache_ttl", c.Content.CacheTTL, DefaultCacheTTL)
	return d
}

func (c *Config) PollTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
	return d
}

func (c *Config) BusyTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	return d
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, apperr.Validationf(path, "invalid duration %q", raw)
	}
	if d < 0 {
		return 0, apperr.Validationf(path, "duration must be >= 0")
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Redacted is safe to log.
func (c *Config) Redacted() Config {
	out := *c
	if out.Telegram.Token != "" {
		out.Telegram.Token = "***"
	}
	if out.Content.S3.SecretKey != "" {
		out.Content.S3.SecretKey = "***"
	}
	if out.Content.S3.AccessKey != "" {
		out.Content.S3.AccessKey = fmt.Sprintf("%.4s***", out.Content.S3.AccessKey)
	}
	return out
}

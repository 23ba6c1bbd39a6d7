package config

// Config is the on-disk configuration. It may be written as JSON, YAML or TOML;
// keys are the json tags below in every format.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Campaign  CampaignConfig  `json:"campaign"`
	Content   ContentConfig   `json:"content"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token" env:"READBOT_TELEGRAM_TOKEN"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// GroupID is the campaign group: content goes there, completions come from there.
	GroupID int64 `json:"group_id" env:"READBOT_TELEGRAM_GROUP_ID"`
	// LogChatID receives forwarded log lines and job failure alerts (0 = off).
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
}

// CampaignConfig drives delivery and reports.
//
// Defaults:
//   - timezone: local
//   - send_time: "05:00"
//   - daily_report_time: "23:00"
//   - monthly_report_time: "23:30"
//   - start_index: 0 (first delivery sends item 1)
//   - completion_keywords: ["done", "selesai"]
type CampaignConfig struct {
	Timezone  string `json:"timezone"`
	StartDate string `json:"start_date,omitempty"` // YYYY-MM-DD; empty = immediately
	// StartIndex is the index recorded on a fresh session; the next delivery sends StartIndex+1.
	StartIndex        int      `json:"start_index,omitempty"`
	SendTime          string   `json:"send_time"`
	ExcludedDays      []string `json:"excluded_days,omitempty"`
	DailyReportTime   string   `json:"daily_report_time,omitempty"`
	MonthlyReportTime string   `json:"monthly_report_time,omitempty"`
	// Caption supports {index}, {total} and {date}.
	Caption            string   `json:"caption,omitempty"`
	CompletionKeywords []string `json:"completion_keywords,omitempty"`
	// CompletionReply is sent on a first completion of the day (empty = silent).
	CompletionReply string `json:"completion_reply,omitempty"`
}

type ContentConfig struct {
	Source        string   `json:"source"` // "s3" or "dir"
	Dir           string   `json:"dir,omitempty"`
	S3            S3Config `json:"s3,omitempty"`
	CacheTTL      string   `json:"cache_ttl,omitempty"` // Go duration, default 1h
	CacheMaxItems int      `json:"cache_max_items,omitempty"`
}

type S3Config struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region,omitempty"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"access_key,omitempty" env:"READBOT_S3_ACCESS_KEY"`
	SecretKey string `json:"secret_key,omitempty" env:"READBOT_S3_SECRET_KEY"`
	PathStyle bool   `json:"path_style,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines to telegram.log_chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	// JobTimeout bounds a single job run. Default 5m.
	JobTimeout string `json:"job_timeout,omitempty"`
}

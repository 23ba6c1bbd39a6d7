package config

import (
	"reflect"
	"strings"

	logx "readbot/pkg/logx"
)

// Change describes what a reload touched. Secrets are never included in Attrs.
type Change struct {
	Sections []string
	Attrs    []logx.Field

	Schedule bool // send time or excluded days
	Timezone bool
	Admins   bool
	Logging  bool
	Content  bool
	// Restart lists sections that only take effect after a restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	ch.Admins = !reflect.DeepEqual(ot.AdminUserIDs, nt.AdminUserIDs)
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.RatePerSec != nt.RatePerSec {
		ch.Restart = append(ch.Restart, "telegram")
	}
	if ch.Admins || ot.Token != nt.Token || ot.GroupID != nt.GroupID || ot.LogChatID != nt.LogChatID ||
		ot.PollTimeout != nt.PollTimeout || ot.RatePerSec != nt.RatePerSec {
		mark("telegram",
			logx.Int("telegram.admin_count", len(nt.AdminUserIDs)),
			logx.Int64("telegram.group_id", nt.GroupID),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	oc, nc := oldCfg.Campaign, newCfg.Campaign
	ch.Schedule = strings.TrimSpace(oc.SendTime) != strings.TrimSpace(nc.SendTime) ||
		!reflect.DeepEqual(oc.ExcludedDays, nc.ExcludedDays)
	ch.Timezone = strings.TrimSpace(oc.Timezone) != strings.TrimSpace(nc.Timezone)
	if !reflect.DeepEqual(oc, nc) {
		mark("campaign",
			logx.String("campaign.timezone", nc.Timezone),
			logx.String("campaign.send_time", nc.SendTime),
			logx.String("campaign.excluded_days", strings.Join(nc.ExcludedDays, ",")),
			logx.String("campaign.start_date", nc.StartDate),
			logx.Int("campaign.start_index", nc.StartIndex),
		)
	}

	oct, nct := oldCfg.Content, newCfg.Content
	oct.S3.AccessKey, oct.S3.SecretKey = "", ""
	nct.S3.AccessKey, nct.S3.SecretKey = "", ""
	credsChanged := oldCfg.Content.S3.AccessKey != newCfg.Content.S3.AccessKey ||
		oldCfg.Content.S3.SecretKey != newCfg.Content.S3.SecretKey
	if !reflect.DeepEqual(oct, nct) || credsChanged {
		ch.Content = true
		mark("content",
			logx.String("content.source", nct.Source),
			logx.String("content.s3.bucket", nct.S3.Bucket),
			logx.String("content.s3.prefix", nct.S3.Prefix),
			logx.Bool("content.credentials_changed", credsChanged),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Logging = true
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Restart = append(ch.Restart, "storage")
		mark("storage", logx.String("storage.path", newCfg.Storage.Path))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler", logx.String("scheduler.job_timeout", newCfg.Scheduler.JobTimeout))
	}
	return ch
}

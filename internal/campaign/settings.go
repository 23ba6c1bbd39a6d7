package campaign

import (
	"context"
	"strconv"
	"strings"
	"time"

	"readbot/internal/apperr"
	"readbot/internal/clock"
	"readbot/internal/config"
	"readbot/internal/task/scheduler"
)

// Keys of runtime schedule overrides in the settings table.
const (
	KeyStartDate  = "campaign.start_date"
	KeySendTime   = "campaign.send_time"
	KeyStartIndex = "campaign.start_index"
)

var overrideKeys = []string{KeyStartDate, KeySendTime, KeyStartIndex}

// Settings is the effective campaign configuration.
type Settings struct {
	GroupID           int64
	StartDate         clock.Date // zero = no start gate
	StartIndex        int
	SendTime          string
	ExcludedDays      []time.Weekday
	DailyReportTime   string
	MonthlyReportTime string
	Caption           string
	Keywords          []string
	CompletionReply   string
	JobTimeout        time.Duration
}

func (s Settings) DeliverySpec() (string, error) {
	return scheduler.DailyAt(s.SendTime, s.ExcludedDays)
}

// SettingsFromConfig resolves the file configuration.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	c := cfg.Campaign
	days, err := scheduler.ParseWeekdays(c.ExcludedDays)
	if err != nil {
		return Settings{}, apperr.Validationf("campaign.excluded_days", "%v", err)
	}
	start, _, err := c.Start()
	if err != nil {
		return Settings{}, err
	}
	keywords := make([]string, 0, len(c.CompletionKeywords))
	for _, k := range c.CompletionKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return Settings{
		GroupID:           cfg.Telegram.GroupID,
		StartDate:         start,
		StartIndex:        c.StartIndex,
		SendTime:          strings.TrimSpace(c.SendTime),
		ExcludedDays:      days,
		DailyReportTime:   strings.TrimSpace(c.DailyReportTime),
		MonthlyReportTime: strings.TrimSpace(c.MonthlyReportTime),
		Caption:           c.Caption,
		Keywords:          keywords,
		CompletionReply:   c.CompletionReply,
		JobTimeout:        cfg.JobTimeout(),
	}, nil
}

// ScheduleUpdate is a partial change made at runtime; nil fields stay as they are.
type ScheduleUpdate struct {
	StartDate  *clock.Date
	SendTime   *string
	StartIndex *int
}

func (u ScheduleUpdate) Empty() bool {
	return u.StartDate == nil && u.SendTime == nil && u.StartIndex == nil
}

func (u ScheduleUpdate) validate() error {
	if u.SendTime != nil {
		if err := scheduler.ValidHHMM(*u.SendTime); err != nil {
			return apperr.Validationf("send_time", "%v", err)
		}
	}
	if u.StartIndex != nil && *u.StartIndex < 0 {
		return apperr.Validationf("start_index", "must be >= 0")
	}
	return nil
}

func (u ScheduleUpdate) pairs() map[string]string {
	kv := map[string]string{}
	if u.StartDate != nil {
		kv[KeyStartDate] = u.StartDate.String()
	}
	if u.SendTime != nil {
		kv[KeySendTime] = strings.TrimSpace(*u.SendTime)
	}
	if u.StartIndex != nil {
		kv[KeyStartIndex] = strconv.Itoa(*u.StartIndex)
	}
	return kv
}

// applyOverrides layers stored overrides over base. Unparseable values are
// reported and ignored so a bad row cannot stop the campaign.
func applyOverrides(base Settings, kv map[string]string) (Settings, []error) {
	out := base
	var errs []error
	if v, ok := kv[KeyStartDate]; ok {
		if d, err := clock.ParseDate(v); err == nil {
			out.StartDate = d
		} else {
			errs = append(errs, err)
		}
	}
	if v, ok := kv[KeySendTime]; ok {
		if err := scheduler.ValidHHMM(v); err == nil {
			out.SendTime = strings.TrimSpace(v)
		} else {
			errs = append(errs, apperr.Validationf(KeySendTime, "%v", err))
		}
	}
	if v, ok := kv[KeyStartIndex]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			out.StartIndex = n
		} else {
			errs = append(errs, apperr.Validationf(KeyStartIndex, "invalid value %q", v))
		}
	}
	return out, errs
}

// SettingsStore persists runtime overrides.
type SettingsStore interface {
	Settings(ctx context.Context) (map[string]string, error)
	PutSettings(ctx context.Context, kv map[string]string) error
	DeleteSettings(ctx context.Context, keys ...string) error
}

// renderCaption fills {index}, {total} and {date}.
func renderCaption(tmpl string, index, total int, date clock.Date) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = "📖 Reading {index}/{total} ({date})"
	}
	return strings.NewReplacer(
		"{index}", strconv.Itoa(index),
		"{total}", strconv.Itoa(total),
		"{date}", date.String(),
	).Replace(tmpl)
}

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"readbot/internal/apperr"
)

const jsonCfg = `{
  "telegram": {"token": "t0k", "admin_user_ids": [1, 2], "group_id": -100123},
  "campaign": {"timezone": "Asia/Jakarta", "send_time": "05:30", "excluded_days": ["sun"]},
  "content": {"source": "dir", "dir": "./content"},
  "storage": {"path": "./data/test.db"},
  "logging": {"level": "debug", "console": true}
}`

const yamlCfg = `
telegram:
  token: t0k
  admin_user_ids: [1, 2]
  group_id: -100123
campaign:
  timezone: Asia/Jakarta
  send_time: "05:30"
  excluded_days: [sun]
content:
  source: dir
  dir: ./content
storage:
  path: ./data/test.db
logging:
  level: debug
  console: true
`

const tomlCfg = `
[telegram]
token = "t0k"
admin_user_ids = [1, 2]
group_id = -100123

[campaign]
timezone = "Asia/Jakarta"
send_time = "05:30"
excluded_days = ["sun"]

[content]
source = "dir"
dir = "./content"

[storage]
path = "./data/test.db"

[logging]
level = "debug"
console = true
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func noEnv() map[string]string { return map[string]string{} }

func TestLoadAllFormats(t *testing.T) {
	t.Parallel()
	for name, body := range map[string]string{
		"config.json": jsonCfg,
		"config.yaml": yamlCfg,
		"config.toml": tomlCfg,
	} {
		name, body := name, body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, t.TempDir(), name, body)
			cfg, err := NewConfigManager(p, WithEnviron(noEnv)).Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Telegram.Token != "t0k" || cfg.Telegram.GroupID != -100123 || len(cfg.Telegram.AdminUserIDs) != 2 {
				t.Fatalf("telegram = %+v", cfg.Telegram)
			}
			spec, err := cfg.Campaign.DeliverySpec()
			if err != nil {
				t.Fatalf("DeliverySpec: %v", err)
			}
			if spec != "30 5 * * 1,2,3,4,5,6" {
				t.Fatalf("spec = %q", spec)
			}
			if cfg.Campaign.DailyReportTime != DefaultDailyReportTime {
				t.Fatalf("defaults not applied: %+v", cfg.Campaign)
			}
		})
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := Decode("config.yaml", []byte("telegram:\n  tokn: x\n"))
	if err == nil || !strings.Contains(err.Error(), "tokn") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	body := strings.Replace(jsonCfg, `"token": "t0k", `, "", 1)
	p := writeFile(t, dir, "config.json", body)
	writeFile(t, dir, ".env", "READBOT_TELEGRAM_TOKEN=from-dotenv\nREADBOT_S3_SECRET_KEY=s3cr3t\n")

	cfg, err := NewConfigManager(p, WithEnviron(noEnv)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-dotenv" || cfg.Content.S3.SecretKey != "s3cr3t" {
		t.Fatalf(".env not applied: token=%q secret=%q", cfg.Telegram.Token, cfg.Content.S3.SecretKey)
	}

	cfg, err = NewConfigManager(p, WithEnviron(func() map[string]string {
		return map[string]string{"READBOT_TELEGRAM_TOKEN": "from-env"}
	})).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("process env should win over .env, got %q", cfg.Telegram.Token)
	}
	if r := cfg.Redacted(); r.Telegram.Token != "***" || r.Content.S3.SecretKey != "***" {
		t.Fatalf("Redacted leaked secrets: %+v", r)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		cfg, err := Decode("c.json", []byte(jsonCfg))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		ApplyDefaults(cfg)
		return cfg
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{"timezone", func(c *Config) { c.Campaign.Timezone = "Mars/Olympus" }, "timezone"},
		{"send time", func(c *Config) { c.Campaign.SendTime = "25:00" }, "campaign.send_time"},
		{"excluded", func(c *Config) { c.Campaign.ExcludedDays = []string{"someday"} }, "campaign.excluded_days"},
		{"start date", func(c *Config) { c.Campaign.StartDate = "2024-02-30" }, "date"},
		{"start index", func(c *Config) { c.Campaign.StartIndex = -1 }, "campaign.start_index"},
		{"group", func(c *Config) { c.Telegram.GroupID = 0 }, "telegram.group_id"},
		{"source", func(c *Config) { c.Content.Source = "ftp" }, "content.source"},
		{"bucket", func(c *Config) { c.Content.Source = "s3" }, "content.s3.bucket"},
		{"ttl", func(c *Config) { c.Content.CacheTTL = "soon" }, "content.cache_ttl"},
	}
	for _, tt := range tests {
		cfg := base()
		tt.mut(cfg)
		err := Validate(cfg)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: err = %v, want validation error", tt.name, err)
		}
		if !strings.Contains(err.Error(), tt.field) {
			t.Fatalf("%s: err = %v, want mention of %s", tt.name, err, tt.field)
		}
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	a, _ := Decode("c.json", []byte(jsonCfg))
	b, _ := Decode("c.json", []byte(jsonCfg))
	if ch := Diff(a, b); !ch.Empty() {
		t.Fatalf("identical configs differ: %v", ch.Sections)
	}

	b.Campaign.SendTime = "06:00"
	b.Telegram.AdminUserIDs = []int64{1}
	b.Content.S3.SecretKey = "rotated"
	ch := Diff(a, b)
	if !ch.Schedule || !ch.Admins || !ch.Content || ch.Timezone || ch.Logging {
		t.Fatalf("change flags = %+v", ch)
	}
	if got := strings.Join(ch.Sections, ","); got != "telegram,campaign,content" {
		t.Fatalf("sections = %s", got)
	}
}

func TestReloadPublishesValidatedChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", jsonCfg)
	m := NewConfigManager(p, WithEnviron(noEnv))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	ctx := context.Background()

	if published, err := m.Reload(ctx); err != nil || published {
		t.Fatalf("unchanged reload = %v, %v", published, err)
	}

	writeFile(t, dir, "config.json", strings.Replace(jsonCfg, "05:30", "06:15", 1))
	m.SetValidator(func(context.Context, *Config) error { return errors.New("not now") })
	if published, err := m.Reload(ctx); err == nil || published {
		t.Fatalf("validator should reject: %v, %v", published, err)
	}
	if m.Get().Campaign.SendTime != "05:30" {
		t.Fatal("rejected config was committed")
	}

	m.SetValidator(nil)
	if published, err := m.Reload(ctx); err != nil || !published {
		t.Fatalf("reload = %v, %v", published, err)
	}
	got := <-sub
	if got.Campaign.SendTime != "06:15" || m.Get() != got {
		t.Fatalf("published config = %+v", got.Campaign)
	}

	writeFile(t, dir, "config.json", strings.Replace(jsonCfg, "05:30", "99:99", 1))
	if _, err := m.Reload(ctx); !apperr.IsValidation(err) {
		t.Fatalf("invalid reload err = %v", err)
	}
	m.Unsubscribe(sub)
}

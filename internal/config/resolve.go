package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"freegamesbot/internal/delivery"
	"freegamesbot/internal/feed"
	"freegamesbot/internal/ops"
	"freegamesbot/internal/storage"
	"freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

// durationField parses a Go duration string. Empty or zero yields def.
func durationField(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks every section and returns all problems at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if _, err := c.PollTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.GroupLogChat(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.DeliveryRuntime(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StatsSchedule(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StorageRuntime(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.FeedRuntime(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.OpsRuntime(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) PollTimeout() (time.Duration, error) {
	return durationField("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
}

// GroupLogChat parses telegram.group_log; empty means no operator chat.
func (c *Config) GroupLogChat() (transport.ChatID, error) {
	s := strings.TrimSpace(c.Telegram.GroupLog)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: invalid chat id %q", s)
	}
	return transport.ChatID(id), nil
}

func (c *Config) LogRuntime() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func (c *Config) DeliveryRuntime() (delivery.Config, error) {
	d := c.Delivery
	out := delivery.Config{GlobalLimit: d.GlobalLimit, BurstLimit: d.BurstLimit}
	if d.GlobalLimit < 0 || d.BurstLimit < 0 {
		return out, errors.New("delivery: limits must be >= 0")
	}
	var errs []error
	parse := func(path, raw string, def time.Duration, dst *time.Duration) {
		v, err := durationField(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		*dst = v
	}
	parse("delivery.global_interval", d.GlobalInterval, delivery.DefaultGlobalInterval, &out.GlobalInterval)
	parse("delivery.burst_interval", d.BurstInterval, delivery.DefaultBurstInterval, &out.BurstInterval)
	parse("delivery.broadcast_poll", d.BroadcastPoll, delivery.DefaultBroadcastPoll, &out.BroadcastPoll)
	parse("delivery.broadcast_cooldown", d.BroadcastCooldown, delivery.DefaultBroadcastCooldown, &out.BroadcastCooldown)
	parse("delivery.send_timeout", d.SendTimeout, delivery.DefaultSendTimeout, &out.SendTimeout)
	return out, errors.Join(errs...)
}

// StatsSchedule parses delivery.stats_every. A nil schedule disables the report.
func (c *Config) StatsSchedule() (cron.Schedule, error) {
	spec := strings.TrimSpace(c.Delivery.StatsEvery)
	if spec == "" {
		return nil, nil
	}
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("delivery.stats_every: %w", err)
	}
	return s, nil
}

func (c *Config) StorageRuntime() (storage.Config, error) {
	s := c.Storage
	out := storage.Config{Driver: strings.TrimSpace(s.Driver), Path: strings.TrimSpace(s.Path)}
	if out.Driver == "" {
		out.Driver = "file"
	}
	if out.Path == "" {
		out.Path = "./data/freegamesbot.json"
	}
	busy, err := durationField("storage.busy_timeout", s.BusyTimeout, 0)
	out.BusyTimeout = busy
	return out, err
}

// DefaultFeedSchedule polls at half past every hour.
const DefaultFeedSchedule = "30 * * * *"

// FeedRuntime resolves the feed section. The schedule is nil when the feed
// is disabled.
func (c *Config) FeedRuntime() (feed.Config, cron.Schedule, error) {
	f := c.Feed
	out := feed.Config{Enabled: f.Enabled, URL: strings.TrimSpace(f.URL)}
	var errs []error
	var err error
	if out.Timeout, err = durationField("feed.timeout", f.Timeout, feed.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}
	if !out.Enabled {
		return out, nil, errors.Join(errs...)
	}
	spec := strings.TrimSpace(f.Schedule)
	if spec == "" {
		spec = DefaultFeedSchedule
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		errs = append(errs, fmt.Errorf("feed.schedule: %w", err))
	}
	return out, sched, errors.Join(errs...)
}

func (c *Config) OpsRuntime() (ops.Config, error) {
	o := c.Ops
	out := ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
	}
	var errs []error
	var err error
	if out.ReadTimeout, err = durationField("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		errs = append(errs, err)
	}
	// 0 keeps long pprof profiles working.
	if out.WriteTimeout, err = durationField("ops.write_timeout", o.WriteTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if out.IdleTimeout, err = durationField("ops.idle_timeout", o.IdleTimeout, 60*time.Second); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

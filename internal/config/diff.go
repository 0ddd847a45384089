package config

import (
	"sort"
	"strings"

	logx "freegamesbot/pkg/logx"
)

// Change lists the sections that differ between two configs plus safe log
// fields describing the new values. Tokens are never included.
type Change struct {
	Sections []string
	Fields   []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff summarizes what changed from old to next.
func Diff(old, next *Config) Change {
	if old == nil {
		old = &Config{}
	}
	if next == nil {
		next = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
	}

	ot, nt := old.Telegram, next.Telegram
	if ot.Token != nt.Token || trim(ot.GroupLog) != trim(nt.GroupLog) || trim(ot.PollTimeout) != trim(nt.PollTimeout) {
		mark("telegram",
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.group_log_set", trim(nt.GroupLog) != ""),
			logx.String("telegram.poll_timeout", trim(nt.PollTimeout)),
		)
	}

	if old.Logging != next.Logging {
		nl := next.Logging
		mark("logging",
			logx.String("logging.level", nl.Level),
			logx.Bool("logging.console", nl.Console),
			logx.Bool("logging.file", nl.File.Enabled),
			logx.Bool("logging.telegram", nl.Telegram.Enabled),
		)
	}

	if old.Delivery != next.Delivery {
		nd := next.Delivery
		mark("delivery",
			logx.Int("delivery.global_limit", nd.GlobalLimit),
			logx.String("delivery.global_interval", nd.GlobalInterval),
			logx.Int("delivery.burst_limit", nd.BurstLimit),
			logx.String("delivery.burst_interval", nd.BurstInterval),
			logx.String("delivery.broadcast_cooldown", nd.BroadcastCooldown),
			logx.String("delivery.stats_every", nd.StatsEvery),
		)
	}

	if old.Storage != next.Storage {
		mark("storage",
			logx.String("storage.driver", trim(next.Storage.Driver)),
			logx.Bool("storage.path_set", trim(next.Storage.Path) != ""),
		)
	}

	if nf := next.Feed; old.Feed != nf {
		mark("feed",
			logx.Bool("feed.enabled", nf.Enabled),
			logx.String("feed.schedule", trim(nf.Schedule)),
		)
	}

	if no := next.Ops; old.Ops != no {
		mark("ops",
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", trim(no.Addr)),
			logx.Bool("ops.token_set", trim(no.Token) != ""),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}

func trim(s string) string { return strings.TrimSpace(s) }

package delivery

import "time"

const (
	DefaultGlobalLimit       = 10
	DefaultGlobalInterval    = time.Second
	DefaultBurstLimit        = 4
	DefaultBurstInterval     = time.Second
	DefaultBroadcastPoll     = time.Second
	DefaultBroadcastCooldown = 5 * time.Second
	DefaultSendTimeout       = 30 * time.Second
)

// Config holds the dispatcher's tunables. Zero fields take the defaults above.
type Config struct {
	GlobalLimit    int
	GlobalInterval time.Duration

	BurstLimit    int
	BurstInterval time.Duration

	// BroadcastPoll is how often the broadcast worker re-checks recipient
	// queues while direct traffic is pending.
	BroadcastPoll time.Duration
	// BroadcastCooldown is the quiet period after direct traffic drains and
	// before each broadcast item is sent.
	BroadcastCooldown time.Duration

	// SendTimeout bounds a single provider call. 0 means DefaultSendTimeout.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = DefaultGlobalLimit
	}
	if c.GlobalInterval <= 0 {
		c.GlobalInterval = DefaultGlobalInterval
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = DefaultBurstLimit
	}
	if c.BurstInterval <= 0 {
		c.BurstInterval = DefaultBurstInterval
	}
	if c.BroadcastPoll <= 0 {
		c.BroadcastPoll = DefaultBroadcastPoll
	}
	if c.BroadcastCooldown <= 0 {
		c.BroadcastCooldown = DefaultBroadcastCooldown
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

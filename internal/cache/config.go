package cache

import "time"

// Default TTLs per entity. Negative entries record that the durable store
// had nothing for the key.
const (
	DefaultProfileTTL           = 10 * time.Minute
	DefaultProfileNotFoundTTL   = 1 * time.Minute
	DefaultRelayListTTL         = 30 * time.Minute
	DefaultRelayListNotFoundTTL = 5 * time.Minute
	DefaultContactTTL           = 10 * time.Minute
	DefaultContactNotFoundTTL   = 1 * time.Minute
	DefaultEventTTL             = 1 * time.Hour
	DefaultEventNotFoundTTL     = 1 * time.Minute

	DefaultCapacity        = 10000
	DefaultCleanupInterval = 1 * time.Minute
)

// Config holds cache TTL configuration
type Config struct {
	ProfileTTL           time.Duration
	ProfileNotFoundTTL   time.Duration
	RelayListTTL         time.Duration
	RelayListNotFoundTTL time.Duration
	ContactTTL           time.Duration
	ContactNotFoundTTL   time.Duration
	EventTTL             time.Duration
	EventNotFoundTTL     time.Duration

	Capacity        int
	CleanupInterval time.Duration
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		ProfileTTL:           DefaultProfileTTL,
		ProfileNotFoundTTL:   DefaultProfileNotFoundTTL,
		RelayListTTL:         DefaultRelayListTTL, // relay lists change less often than profiles
		RelayListNotFoundTTL: DefaultRelayListNotFoundTTL,
		ContactTTL:           DefaultContactTTL,
		ContactNotFoundTTL:   DefaultContactNotFoundTTL,
		EventTTL:             DefaultEventTTL, // events are immutable
		EventNotFoundTTL:     DefaultEventNotFoundTTL,
		Capacity:             DefaultCapacity,
		CleanupInterval:      DefaultCleanupInterval,
	}
}

// WithDefaults fills zero fields from DefaultConfig
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&c.ProfileTTL, d.ProfileTTL)
	fill(&c.ProfileNotFoundTTL, d.ProfileNotFoundTTL)
	fill(&c.RelayListTTL, d.RelayListTTL)
	fill(&c.RelayListNotFoundTTL, d.RelayListNotFoundTTL)
	fill(&c.ContactTTL, d.ContactTTL)
	fill(&c.ContactNotFoundTTL, d.ContactNotFoundTTL)
	fill(&c.EventTTL, d.EventTTL)
	fill(&c.EventNotFoundTTL, d.EventNotFoundTTL)
	fill(&c.CleanupInterval, d.CleanupInterval)
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	return c
}

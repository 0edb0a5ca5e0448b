package network

import (
	"time"

	"github.com/notnil/canlink/guarding"
	"github.com/notnil/canlink/lss"
)

// Config tunes the timing of a Manager. Zero fields take the defaults of
// DefaultConfig.
type Config struct {
	DictionaryPath string
	BootMode       bool

	GuardPeriod   time.Duration
	MonitorPeriod time.Duration
	JoinTimeout   time.Duration
	ScanSettle    time.Duration

	LSSTimeout    time.Duration
	LSSSettle     time.Duration
	ReappearDelay time.Duration

	ResetBackoff BackoffConfig
}

// DefaultConfig returns the timings used by the reference tooling.
func DefaultConfig() Config {
	return Config{
		GuardPeriod:   guarding.DefaultPeriod,
		MonitorPeriod: DefaultMonitorPeriod,
		JoinTimeout:   2 * time.Second,
		ScanSettle:    50 * time.Millisecond,
		LSSTimeout:    lss.DefaultTimeout,
		LSSSettle:     lss.DefaultSettle,
		ReappearDelay: 500 * time.Millisecond,
		ResetBackoff: BackoffConfig{
			Initial:    InitialResetBackoff,
			Max:        MaxResetBackoff,
			Multiplier: ResetBackoffFactor,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GuardPeriod <= 0 {
		c.GuardPeriod = d.GuardPeriod
	}
	if c.MonitorPeriod <= 0 {
		c.MonitorPeriod = d.MonitorPeriod
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.ScanSettle <= 0 {
		c.ScanSettle = d.ScanSettle
	}
	if c.LSSTimeout <= 0 {
		c.LSSTimeout = d.LSSTimeout
	}
	if c.LSSSettle < 0 {
		c.LSSSettle = d.LSSSettle
	}
	if c.ReappearDelay < 0 {
		c.ReappearDelay = d.ReappearDelay
	}
	return c
}

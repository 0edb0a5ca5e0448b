// Package config loads the settings of a canlink network from YAML or TOML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/notnil/canlink/network"
	"github.com/notnil/canlink/transceiver"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// can_vendor accepts the vendors of the transceiver channel table
	_ = v.RegisterValidation("can_vendor", func(fl validator.FieldLevel) bool {
		return slices.Contains(transceiver.Vendors(), transceiver.Vendor(fl.Field().String()))
	})
	return v
}

// Config is the file form of a network setup. Durations are written the way
// time.ParseDuration reads them ("100ms", "1.5s").
type Config struct {
	Vendor         string `yaml:"vendor" toml:"vendor" validate:"required,can_vendor"`
	Channel        int    `yaml:"channel" toml:"channel" validate:"min=0,max=1"`
	Bitrate        int    `yaml:"bitrate" toml:"bitrate" validate:"oneof=1000000 800000 500000 250000 125000 100000 50000 20000 10000"`
	DictionaryPath string `yaml:"dictionary_path" toml:"dictionary_path" validate:"omitempty,file"`
	BootMode       bool   `yaml:"boot_mode" toml:"boot_mode"`
	Heartbeat      bool   `yaml:"heartbeat" toml:"heartbeat"`
	TraceFrames    bool   `yaml:"trace_frames" toml:"trace_frames"`

	GuardPeriod   time.Duration `yaml:"guard_period" toml:"guard_period" validate:"min=1ms"`
	MonitorPeriod time.Duration `yaml:"monitor_period" toml:"monitor_period" validate:"min=1ms"`
	JoinTimeout   time.Duration `yaml:"join_timeout" toml:"join_timeout" validate:"min=1ms"`
	ScanSettle    time.Duration `yaml:"scan_settle" toml:"scan_settle" validate:"min=1ms"`
	LSSTimeout    time.Duration `yaml:"lss_timeout" toml:"lss_timeout" validate:"min=1ms"`
	LSSSettle     time.Duration `yaml:"lss_settle" toml:"lss_settle" validate:"min=0s"`
	ReappearDelay time.Duration `yaml:"reappear_delay" toml:"reappear_delay" validate:"min=0s"`

	ResetBackoff Backoff `yaml:"reset_backoff" toml:"reset_backoff"`
}

// Backoff spaces automatic network resets.
type Backoff struct {
	Initial    time.Duration `yaml:"initial" toml:"initial" validate:"min=1ms"`
	Max        time.Duration `yaml:"max" toml:"max" validate:"gtefield=Initial"`
	Multiplier float64       `yaml:"multiplier" toml:"multiplier" validate:"gt=1"`
	Jitter     float64       `yaml:"jitter" toml:"jitter" validate:"min=0,max=1"`
}

// Default returns a virtual-bus setup at 1 Mbit/s with heartbeat monitoring
// and the manager's default timings.
func Default() Config {
	n := network.DefaultConfig()
	return Config{
		Vendor:        string(transceiver.Virtual),
		Bitrate:       1000000,
		Heartbeat:     true,
		GuardPeriod:   n.GuardPeriod,
		MonitorPeriod: n.MonitorPeriod,
		JoinTimeout:   n.JoinTimeout,
		ScanSettle:    n.ScanSettle,
		LSSTimeout:    n.LSSTimeout,
		LSSSettle:     n.LSSSettle,
		ReappearDelay: n.ReappearDelay,
		ResetBackoff: Backoff{
			Initial:    n.ResetBackoff.Initial,
			Max:        n.ResetBackoff.Max,
			Multiplier: n.ResetBackoff.Multiplier,
		},
	}
}

// Load reads path over Default and validates the result. The format follows
// the extension: .yaml, .yml or .toml. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config: parse %s: unknown key %q", path, undecoded[0].String())
		}
	default:
		return Config{}, fmt.Errorf("config: unsupported format %q", ext)
	}
	cfg.Vendor = strings.ToLower(strings.TrimSpace(cfg.Vendor))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// TransceiverVendor returns the configured vendor.
func (c Config) TransceiverVendor() (transceiver.Vendor, error) {
	return transceiver.ParseVendor(c.Vendor)
}

// Network returns the manager timings.
func (c Config) Network() network.Config {
	return network.Config{
		DictionaryPath: c.DictionaryPath,
		BootMode:       c.BootMode,
		GuardPeriod:    c.GuardPeriod,
		MonitorPeriod:  c.MonitorPeriod,
		JoinTimeout:    c.JoinTimeout,
		ScanSettle:     c.ScanSettle,
		LSSTimeout:     c.LSSTimeout,
		LSSSettle:      c.LSSSettle,
		ReappearDelay:  c.ReappearDelay,
		ResetBackoff: network.BackoffConfig{
			Initial:    c.ResetBackoff.Initial,
			Max:        c.ResetBackoff.Max,
			Multiplier: c.ResetBackoff.Multiplier,
			Jitter:     c.ResetBackoff.Jitter,
		},
	}
}

// Package config defines the tunables of a device and loads them from a YAML
// file, a .env file and CPRING_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds the tunables of a device.
type Config struct {
	// RingSizeBytes is the size of the command ring. It must be a power of
	// two.
	RingSizeBytes uint32 `yaml:"ring_size_bytes"`

	// IdleTimeout is the absolute limit of a wait for the ring to drain.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// TimeoutPart is the interval between hang checks of a wait.
	TimeoutPart time.Duration `yaml:"timeout_part"`

	// StatusTimeout bounds the wait for the busy status to clear once the
	// ring drained.
	StatusTimeout time.Duration `yaml:"status_timeout"`

	// WaitTimeout is used by timestamp waits that ask for the default.
	WaitTimeout time.Duration `yaml:"wait_timeout"`

	// PollInterval is how long polling loops sleep between reads.
	PollInterval time.Duration `yaml:"poll_interval"`

	// IBCheckLevel is 0 for no indirect buffer checks, 1 to check and 2 to
	// also dump rejected buffers.
	IBCheckLevel int `yaml:"ib_check_level"`

	// FastHangDetect enables register based hang detection.
	FastHangDetect bool `yaml:"fast_hang_detect"`

	// HangStableRounds is the number of unchanged register samples that make
	// a hang.
	HangStableRounds int `yaml:"hang_stable_rounds"`

	// MaxRecoveryAttempts caps the attempts of one recovery. Zero retries
	// until a replay succeeds or fails for good.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		RingSizeBytes:       32 * 1024,
		IdleTimeout:         20 * time.Second,
		TimeoutPart:         50 * time.Millisecond,
		StatusTimeout:       2 * time.Second,
		WaitTimeout:         10 * time.Second,
		PollInterval:        time.Millisecond,
		IBCheckLevel:        0,
		FastHangDetect:      true,
		HangStableRounds:    1,
		MaxRecoveryAttempts: 0,
	}
}

// RingSizeDwords returns the ring size in words.
func (c Config) RingSizeDwords() uint32 {
	return c.RingSizeBytes / 4
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RingSizeBytes < 64 || c.RingSizeBytes&(c.RingSizeBytes-1) != 0 {
		return fmt.Errorf("%w: ring size %d is not a power of two of at least 64",
			ErrInvalid, c.RingSizeBytes)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"idle timeout", c.IdleTimeout},
		{"timeout part", c.TimeoutPart},
		{"status timeout", c.StatusTimeout},
		{"wait timeout", c.WaitTimeout},
		{"poll interval", c.PollInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, d.name)
		}
	}

	if c.IBCheckLevel < 0 || c.IBCheckLevel > 2 {
		return fmt.Errorf("%w: ib check level %d", ErrInvalid, c.IBCheckLevel)
	}

	if c.HangStableRounds < 1 {
		return fmt.Errorf("%w: hang stable rounds must be at least 1",
			ErrInvalid)
	}

	if c.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("%w: negative recovery attempts", ErrInvalid)
	}

	return nil
}

// Load builds a configuration from the defaults, the YAML file at path (if
// path is not empty), the .env file in the working directory (if any) and
// the environment, in that order, and validates it.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return c, err
		}
	}

	if err := LoadDotEnv(); err != nil {
		return c, err
	}

	if err := c.LoadEnv(); err != nil {
		return c, err
	}

	if err := c.Validate(); err != nil {
		return c, err
	}

	return c, nil
}

// LoadFile overlays the YAML file at path on c. Keys missing from the file
// keep their values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return nil
}

// LoadDotEnv copies the variables of the given .env files into the
// environment without overriding what is already set. Without arguments it
// reads .env from the working directory and ignores its absence.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}

	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("config: loading env file: %w", err)
	}

	return nil
}

// EnvPrefix starts the name of every environment variable read by LoadEnv.
const EnvPrefix = "CPRING_"

// LoadEnv overlays CPRING_* environment variables on c.
func (c *Config) LoadEnv() error {
	vars := []struct {
		name string
		set  func(string) error
	}{
		{"RING_SIZE_BYTES", uintSetter(&c.RingSizeBytes)},
		{"IDLE_TIMEOUT", durationSetter(&c.IdleTimeout)},
		{"TIMEOUT_PART", durationSetter(&c.TimeoutPart)},
		{"STATUS_TIMEOUT", durationSetter(&c.StatusTimeout)},
		{"WAIT_TIMEOUT", durationSetter(&c.WaitTimeout)},
		{"POLL_INTERVAL", durationSetter(&c.PollInterval)},
		{"IB_CHECK_LEVEL", intSetter(&c.IBCheckLevel)},
		{"FAST_HANG_DETECT", boolSetter(&c.FastHangDetect)},
		{"HANG_STABLE_ROUNDS", intSetter(&c.HangStableRounds)},
		{"MAX_RECOVERY_ATTEMPTS", intSetter(&c.MaxRecoveryAttempts)},
	}

	for _, v := range vars {
		s, ok := os.LookupEnv(EnvPrefix + v.name)
		if !ok || s == "" {
			continue
		}

		if err := v.set(s); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v",
				ErrInvalid, EnvPrefix, v.name, s, err)
		}
	}

	return nil
}

func uintSetter(dst *uint32) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return err
		}

		*dst = uint32(v)

		return nil
	}
}

func intSetter(dst *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}

		*dst = v

		return nil
	}
}

func boolSetter(dst *bool) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}

		*dst = v

		return nil
	}
}

func durationSetter(dst *time.Duration) func(string) error {
	return func(s string) error {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}

		*dst = v

		return nil
	}
}

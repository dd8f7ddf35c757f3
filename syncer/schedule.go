package syncer

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// DefaultInterval is the poll period used when nothing is configured.
const DefaultInterval = 61 * time.Second

// ScheduleConfig is the `schedule` config section. A non-zero MinInterval and
// MaxInterval pair selects jittered waits; otherwise Interval is used.
type ScheduleConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// Schedule yields the wait between the end of one cycle and the start of the next.
type Schedule struct {
	fixed    time.Duration
	min, max time.Duration
	randN    func(n int64) int64
}

// NewSchedule validates cfg and builds a Schedule.
func NewSchedule(cfg ScheduleConfig) (*Schedule, error) {
	if cfg.MinInterval > 0 || cfg.MaxInterval > 0 {
		if cfg.MinInterval <= 0 || cfg.MaxInterval <= 0 {
			return nil, fmt.Errorf("min_interval and max_interval must both be set")
		}
		if cfg.MinInterval > cfg.MaxInterval {
			return nil, fmt.Errorf("min_interval %s exceeds max_interval %s", cfg.MinInterval, cfg.MaxInterval)
		}
		return &Schedule{min: cfg.MinInterval, max: cfg.MaxInterval, randN: rand.Int64N}, nil
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("interval must not be negative")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	return &Schedule{fixed: cfg.Interval, randN: rand.Int64N}, nil
}

// FixedSchedule waits d between cycles.
func FixedSchedule(d time.Duration) *Schedule {
	return &Schedule{fixed: d, randN: rand.Int64N}
}

// Next returns the next wait.
func (s *Schedule) Next() time.Duration {
	if s.max <= 0 {
		return s.fixed
	}
	span := int64(s.max - s.min)
	if span <= 0 {
		return s.min
	}
	return s.min + time.Duration(s.randN(span+1))
}

func (s *Schedule) String() string {
	if s.max <= 0 {
		return s.fixed.String()
	}
	return fmt.Sprintf("%s..%s", s.min, s.max)
}

package fetch

import (
	"time"

	"github.com/cyverse/imageloader/utils"
	"golang.org/x/xerrors"
)

// NetworkProfile is the kind of network the process is on
type NetworkProfile int

const (
	NetworkProfileSlow NetworkProfile = iota
	NetworkProfileFast
	NetworkProfileLocal
)

// deadlineProjectionTolerance lets a projected finish overrun the deadline by 25%
const deadlineProjectionTolerance float64 = 1.25

// LowSpeedConfig is one low-speed cancellation profile
type LowSpeedConfig struct {
	WindowPeriod   time.Duration
	Deadline       time.Duration
	ThresholdSpeed int64 // bytes per second
}

func (config LowSpeedConfig) validate() error {
	if config.WindowPeriod < 0 || config.Deadline <= 0 || config.ThresholdSpeed < 0 {
		return xerrors.Errorf("invalid low speed config %+v", config)
	}

	if config.WindowPeriod >= config.Deadline {
		return xerrors.Errorf("window period %s must be shorter than deadline %s", config.WindowPeriod, config.Deadline)
	}
	return nil
}

// LowSpeedStrategy picks a LowSpeedConfig per network profile, with a separate one for indispensable requests
type LowSpeedStrategy struct {
	profiles      map[NetworkProfile]LowSpeedConfig
	indispensable LowSpeedConfig
}

// NewDefaultLowSpeedStrategy returns the stock profiles
func NewDefaultLowSpeedStrategy() *LowSpeedStrategy {
	fast := LowSpeedConfig{
		WindowPeriod:   10 * time.Second,
		Deadline:       30 * time.Second,
		ThresholdSpeed: 20 * 1024,
	}

	return &LowSpeedStrategy{
		profiles: map[NetworkProfile]LowSpeedConfig{
			NetworkProfileSlow: {
				WindowPeriod:   20 * time.Second,
				Deadline:       60 * time.Second,
				ThresholdSpeed: 5 * 1024,
			},
			NetworkProfileFast:  fast,
			NetworkProfileLocal: fast,
		},
		indispensable: LowSpeedConfig{
			WindowPeriod:   40 * time.Second,
			Deadline:       120 * time.Second,
			ThresholdSpeed: 256,
		},
	}
}

// NewLowSpeedStrategy validates and builds a strategy
func NewLowSpeedStrategy(profiles map[NetworkProfile]LowSpeedConfig, indispensable LowSpeedConfig) (*LowSpeedStrategy, error) {
	copied := map[NetworkProfile]LowSpeedConfig{}
	for profile, config := range profiles {
		err := config.validate()
		if err != nil {
			return nil, err
		}
		copied[profile] = config
	}

	err := indispensable.validate()
	if err != nil {
		return nil, err
	}

	return &LowSpeedStrategy{
		profiles:      copied,
		indispensable: indispensable,
	}, nil
}

// GetConfig returns the config for the request, fast network if the profile is unknown
func (strategy *LowSpeedStrategy) GetConfig(profile NetworkProfile, indispensable bool) LowSpeedConfig {
	if indispensable {
		return strategy.indispensable
	}

	if config, ok := strategy.profiles[profile]; ok {
		return config
	}
	return strategy.profiles[NetworkProfileFast]
}

// SpeedVerdict is the outcome of one speed check
type SpeedVerdict struct {
	Slow    bool
	Reason  string
	Elapsed time.Duration
	Speed   int64
}

// SpeedChecker judges a transfer against a LowSpeedConfig
type SpeedChecker struct {
	config    LowSpeedConfig
	startTime time.Time
}

func NewSpeedChecker(config LowSpeedConfig, startTime time.Time) *SpeedChecker {
	return &SpeedChecker{
		config:    config,
		startTime: startTime,
	}
}

// Check judges the transfer at now. total < 0 means the length is unknown,
// then the deadline projection is skipped.
func (checker *SpeedChecker) Check(now time.Time, loaded int64, total int64) SpeedVerdict {
	elapsed := now.Sub(checker.startTime)
	speed := utils.CalculateSpeed(loaded, elapsed)

	verdict := SpeedVerdict{
		Slow:    false,
		Elapsed: elapsed,
		Speed:   speed,
	}

	if total >= 0 && loaded >= total {
		return verdict
	}

	if elapsed > checker.config.Deadline {
		verdict.Slow = true
		verdict.Reason = "deadline exceeded"
		return verdict
	}

	if elapsed < checker.config.WindowPeriod {
		return verdict
	}

	if speed < checker.config.ThresholdSpeed {
		verdict.Slow = true
		verdict.Reason = "below threshold speed"
		return verdict
	}

	if total > 0 && speed > 0 {
		remaining := time.Duration(float64(total-loaded) / float64(speed) * float64(time.Second))
		limit := time.Duration(float64(checker.config.Deadline) * deadlineProjectionTolerance)
		if elapsed+remaining > limit {
			verdict.Slow = true
			verdict.Reason = "cannot finish before deadline"
			return verdict
		}
	}

	return verdict
}

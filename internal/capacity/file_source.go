package capacity

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
	"gopkg.in/yaml.v3"
)

// FileSource reads the capacity config from a YAML file on every load, so edits are
// picked up once the provider cache expires.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type fileWindow struct {
	Start string   `yaml:"start"` // HH:MM
	End   string   `yaml:"end"`   // HH:MM, 24:00 allowed
	Days  []string `yaml:"days"`
}

type filePhase struct {
	DailyLimit   int           `yaml:"daily_limit"`
	SixHourLimit int           `yaml:"six_hour_limit"`
	MinimumDelay time.Duration `yaml:"minimum_delay"`
	Window       fileWindow    `yaml:"window"`
}

type fileCapacity struct {
	TrustMinimum           int                  `yaml:"trust_minimum"`
	MaxConsecutiveFailures int                  `yaml:"max_consecutive_failures"`
	Timezone               string               `yaml:"timezone"`
	Phases                 map[string]filePhase `yaml:"phases"`
}

func (s *FileSource) LoadCapacityConfig(ctx context.Context) (*types.CapacityConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capacity file: %w", err)
	}
	return ParseCapacityYAML(data)
}

// ParseCapacityYAML decodes a capacity document. It does not validate limits; Provider does.
func ParseCapacityYAML(data []byte) (*types.CapacityConfig, error) {
	var fc fileCapacity
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse capacity file: %w", err)
	}

	cfg := &types.CapacityConfig{
		TrustMinimum:           fc.TrustMinimum,
		MaxConsecutiveFailures: fc.MaxConsecutiveFailures,
		Timezone:               fc.Timezone,
		Phases:                 make(map[state.ChipPhase]types.PhaseLimits, len(fc.Phases)),
	}

	for name, p := range fc.Phases {
		window, err := p.Window.parse()
		if err != nil {
			return nil, fmt.Errorf("phase %s: %w", name, err)
		}
		cfg.Phases[state.ChipPhase(name)] = types.PhaseLimits{
			DailyLimit:   p.DailyLimit,
			SixHourLimit: p.SixHourLimit,
			MinimumDelay: p.MinimumDelay,
			Window:       window,
		}
	}

	return cfg, nil
}

func (w fileWindow) parse() (types.TimeWindow, error) {
	var window types.TimeWindow
	var err error

	if w.Start == "" && w.End == "" {
		window.End = 24 * time.Hour
	} else {
		if window.Start, err = parseClock(w.Start); err != nil {
			return window, err
		}
		if window.End, err = parseClock(w.End); err != nil {
			return window, err
		}
	}

	for _, d := range w.Days {
		day, err := parseWeekday(d)
		if err != nil {
			return window, err
		}
		window.Days = append(window.Days, day)
	}
	return window, nil
}

func parseClock(s string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

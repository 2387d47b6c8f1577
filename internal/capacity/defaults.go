package capacity

import (
	"time"

	"github.com/joinflow/joinflow/internal/state"
	"github.com/joinflow/joinflow/types"
)

// ConservativeDefaults are the limits used when the configured source cannot be read or is invalid.
// Every joining phase gets the tightest pacing so a broken config can never make chips more active.
func ConservativeDefaults() types.CapacityConfig {
	limits := types.PhaseLimits{
		DailyLimit:   1,
		SixHourLimit: 1,
		MinimumDelay: time.Hour,
		Window:       types.TimeWindow{Start: 9 * time.Hour, End: 18 * time.Hour},
	}

	phases := make(map[state.ChipPhase]types.PhaseLimits, len(state.JoiningPhases))
	for _, phase := range state.JoiningPhases {
		phases[phase] = limits
	}

	return types.CapacityConfig{
		TrustMinimum:           90,
		MaxConsecutiveFailures: 1,
		Timezone:               "UTC",
		Phases:                 phases,
	}
}

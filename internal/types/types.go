package types

import "time"

// RateUpdate is published for every cycle repriced after a reserve write,
// profitable or not, so observers can tell a quiet pool from a missing cycle.
type RateUpdate struct {
	PathID          string  `json:"pathId"`
	PathDescription string  `json:"pathDescription"`
	Rate            float64 `json:"rate"`

	Ts time.Time `json:"-"`
}

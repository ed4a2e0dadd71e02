package fedclient

import "fmt"

// DefaultMinBatteryLevel is the battery floor applied when the config
// leaves MinBattery at zero.
const DefaultMinBatteryLevel = 0.2

// TrainingConditions is a snapshot of everything the scheduler gates on.
type TrainingConditions struct {
	OnPreferredNetwork bool
	IsCharging         bool
	BatteryLevel       float64
	HasSufficientData  bool

	// MinBatteryLevel is the threshold BatteryLevel is compared against.
	// Zero means DefaultMinBatteryLevel.
	MinBatteryLevel float64
}

func (c TrainingConditions) minBattery() float64 {
	if c.MinBatteryLevel <= 0 {
		return DefaultMinBatteryLevel
	}
	return c.MinBatteryLevel
}

// Ready reports whether every condition holds.
func (c TrainingConditions) Ready() bool { return len(c.Unmet()) == 0 }

// Unmet returns a description of every failed condition in a fixed
// order: network, charging, battery, data.
func (c TrainingConditions) Unmet() []string {
	var unmet []string
	if !c.OnPreferredNetwork {
		unmet = append(unmet, "not on a preferred network")
	}
	if !c.IsCharging {
		unmet = append(unmet, "not charging")
	}
	if min := c.minBattery(); c.BatteryLevel < min {
		unmet = append(unmet, fmt.Sprintf("battery %.0f%% below %.0f%%", c.BatteryLevel*100, min*100))
	}
	if !c.HasSufficientData {
		unmet = append(unmet, "insufficient training data")
	}
	return unmet
}

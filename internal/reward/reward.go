// Package reward implements the XP and leveling policy applied after each
// trade. Pure functions only: no storage, no clock, no locks.
package reward

// Config holds the reward policy. All values are externally supplied
// configuration, never hardcoded at call sites.
type Config struct {
	// BuyXP is awarded for each accepted buy.
	BuyXP int64
	// SellXP is awarded for each accepted sell.
	SellXP int64
	// LevelBaseXP scales the per-level threshold: level N rolls over at
	// N * LevelBaseXP.
	LevelBaseXP int64
}

// DefaultConfig returns the standard game policy.
func DefaultConfig() Config {
	return Config{BuyXP: 10, SellXP: 10, LevelBaseXP: 1000}
}

// Apply adds amount to the current XP and rolls levels over. The loop
// matters: a single reward large enough to cross several thresholds must
// land on the correct level, with the leftover XP carried forward.
func (c Config) Apply(xp, level, amount int64) (newXP, newLevel int64) {
	if level < 1 {
		level = 1
	}
	newXP = xp + amount
	newLevel = level
	if c.LevelBaseXP <= 0 {
		return newXP, newLevel
	}
	for newXP >= newLevel*c.LevelBaseXP {
		newXP -= newLevel * c.LevelBaseXP
		newLevel++
	}
	return newXP, newLevel
}

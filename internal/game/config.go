package game

import "time"

// Config holds the timing and sizing rules of a match.
type Config struct {
	Stakes          []int64
	Countdown       time.Duration
	CountdownTick   time.Duration
	GameDuration    time.Duration
	QuestionTimeout time.Duration
	AdvanceDelay    time.Duration
	QuestionCount   int
	TickInterval    time.Duration
	Grace           time.Duration
	QueueTTL        time.Duration
	SettleTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Stakes:          []int64{200, 500, 1000, 2000, 5000},
		Countdown:       5 * time.Second,
		CountdownTick:   time.Second,
		GameDuration:    120 * time.Second,
		QuestionTimeout: 10 * time.Second,
		AdvanceDelay:    0,
		QuestionCount:   20,
		TickInterval:    time.Second,
		Grace:           30 * time.Second,
		QueueTTL:        5 * time.Minute,
		SettleTimeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.Stakes) == 0 {
		c.Stakes = d.Stakes
	}
	if c.Countdown < 0 {
		c.Countdown = 0
	}
	if c.CountdownTick <= 0 {
		c.CountdownTick = d.CountdownTick
	}
	if c.GameDuration <= 0 {
		c.GameDuration = d.GameDuration
	}
	if c.QuestionTimeout <= 0 {
		c.QuestionTimeout = d.QuestionTimeout
	}
	if c.QuestionCount <= 0 {
		c.QuestionCount = d.QuestionCount
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = d.QueueTTL
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = d.SettleTimeout
	}
	return c
}

// countdownSteps is the number of countdown ticks before play starts.
func (c Config) countdownSteps() int {
	return int(c.Countdown / c.CountdownTick)
}

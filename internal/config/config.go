package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/python786920-cmyk/realtime-game-backend/internal/game"
)

type Config struct {
	Port         int
	RedisAddr    string
	DatabasePath string
	LogLevel     slog.Level
	Game         game.Config

	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string
}

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "error", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from environment variables alone.
func FromEnv() (*Config, error) {
	var errs []string
	record := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg := &Config{
		RedisAddr:          getString("REDIS_ADDR", "localhost:6379"),
		DatabasePath:       getString("DATABASE_PATH", "./battle.db"),
		PubNubPublishKey:   os.Getenv("PN_PUBLISH_KEY"),
		PubNubSubscribeKey: os.Getenv("PN_SUBSCRIBE_KEY"),
		PubNubSecretKey:    os.Getenv("PN_SECRET_KEY"),
		PubNubUserID:       getString("PN_USER_ID", "realtime-game-backend"),
		Game:               game.DefaultConfig(),
	}

	var err error
	cfg.Port, err = getInt("PORT", 8081)
	record(err)

	level := getString("LOG_LEVEL", "info")
	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		record(fmt.Errorf("LOG_LEVEL: %w", err))
	}

	g := &cfg.Game
	g.Stakes, err = getStakes("ALLOWED_STAKES", g.Stakes)
	record(err)
	g.Countdown, err = getSeconds("COUNTDOWN_SECONDS", g.Countdown)
	record(err)
	g.GameDuration, err = getSeconds("GAME_DURATION_SECONDS", g.GameDuration)
	record(err)
	g.QuestionTimeout, err = getSeconds("QUESTION_TIMEOUT_SECONDS", g.QuestionTimeout)
	record(err)
	g.Grace, err = getSeconds("ROOM_GRACE_SECONDS", g.Grace)
	record(err)
	g.QueueTTL, err = getSeconds("QUEUE_TTL_SECONDS", g.QueueTTL)
	record(err)
	g.QuestionCount, err = getInt("QUESTION_COUNT", g.QuestionCount)
	record(err)

	for _, c := range []struct {
		key string
		d   time.Duration
	}{
		{"GAME_DURATION_SECONDS", g.GameDuration},
		{"QUESTION_TIMEOUT_SECONDS", g.QuestionTimeout},
		{"ROOM_GRACE_SECONDS", g.Grace},
		{"QUEUE_TTL_SECONDS", g.QueueTTL},
	} {
		if c.d <= 0 {
			record(fmt.Errorf("%s must be positive", c.key))
		}
	}
	if g.QuestionCount <= 0 {
		record(fmt.Errorf("QUESTION_COUNT must be positive"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := getString(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func getSeconds(key string, fallback time.Duration) (time.Duration, error) {
	n, err := getInt(key, int(fallback/time.Second))
	if err != nil {
		return fallback, err
	}
	if n < 0 {
		return fallback, fmt.Errorf("%s: must not be negative", key)
	}
	return time.Duration(n) * time.Second, nil
}

func getStakes(key string, fallback []int64) ([]int64, error) {
	v := getString(key, "")
	if v == "" {
		return fallback, nil
	}
	var stakes []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n <= 0 {
			return fallback, fmt.Errorf("%s: %q is not a positive stake", key, part)
		}
		stakes = append(stakes, n)
	}
	if len(stakes) == 0 {
		return fallback, fmt.Errorf("%s: no stakes listed", key)
	}
	return stakes, nil
}

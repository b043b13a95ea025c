package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyExtraFromEnv reads environment variables that are not represented by
// dedicated CLI flags in the serve command.
func (c *Config) ApplyExtraFromEnv() error {
	if c == nil {
		return nil
	}

	var err error
	if err = applyBoolEnv("THREAD_SERVICE_DB_MIGRATE_AT_START", &c.DatastoreMigrateAtStart); err != nil {
		return err
	}
	if err = applyDurationEnv("THREAD_SERVICE_CACHE_CONVERSATIONS_TTL", &c.CacheConversationsTTL); err != nil {
		return err
	}
	if err = applyBoolEnv("THREAD_SERVICE_TITLE_SYNTHESIS_ENABLED", &c.TitleSynthesisEnabled); err != nil {
		return err
	}
	if err = applyIntEnv("THREAD_SERVICE_TITLE_QUEUE_SIZE", &c.TitleQueueSize); err != nil {
		return err
	}
	if err = applyIntEnv("THREAD_SERVICE_TITLE_MAX_LENGTH", &c.TitleMaxLength); err != nil {
		return err
	}
	applyStringEnv("THREAD_SERVICE_OPENAI_MODEL_NAME", &c.OpenAIModelName)
	applyStringEnv("THREAD_SERVICE_OPENAI_BASE_URL", &c.OpenAIBaseURL)
	if err = applyBoolEnv("THREAD_SERVICE_CORS_ENABLED", &c.CORSEnabled); err != nil {
		return err
	}
	applyStringEnv("THREAD_SERVICE_CORS_ORIGINS", &c.CORSOrigins)
	return nil
}

func applyStringEnv(key string, dest *string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	*dest = raw
}

func applyIntEnv(key string, dest *int) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyBoolEnv(key string, dest *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func applyDurationEnv(key string, dest *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Go duration first (e.g. 30s, 5m).
	if d, err := time.ParseDuration(strings.ToLower(v)); err == nil {
		return d, nil
	}

	// Minimal ISO-8601 support: PT#H#M#S
	if !strings.HasPrefix(v, "PT") {
		return 0, fmt.Errorf("unsupported format %q", raw)
	}
	rest := strings.TrimPrefix(v, "PT")
	if rest == "" {
		return 0, fmt.Errorf("invalid format %q", raw)
	}
	total := time.Duration(0)
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(rest) {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		switch rest[i] {
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}

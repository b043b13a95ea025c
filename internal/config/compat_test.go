package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyExtraFromEnv(t *testing.T) {
	t.Setenv("THREAD_SERVICE_CACHE_CONVERSATIONS_TTL", "PT5M")
	t.Setenv("THREAD_SERVICE_TITLE_SYNTHESIS_ENABLED", "false")
	t.Setenv("THREAD_SERVICE_TITLE_MAX_LENGTH", "120")
	t.Setenv("THREAD_SERVICE_CORS_ENABLED", "true")
	t.Setenv("THREAD_SERVICE_OPENAI_MODEL_NAME", "gpt-4o")

	cfg := DefaultConfig()
	err := cfg.ApplyExtraFromEnv()
	require.NoError(t, err)

	require.Equal(t, 5*time.Minute, cfg.CacheConversationsTTL)
	require.False(t, cfg.TitleSynthesisEnabled)
	require.Equal(t, 120, cfg.TitleMaxLength)
	require.True(t, cfg.CORSEnabled)
	require.Equal(t, "gpt-4o", cfg.OpenAIModelName)
}

func TestApplyExtraFromEnv_InvalidBool(t *testing.T) {
	t.Setenv("THREAD_SERVICE_CORS_ENABLED", "not-a-bool")

	cfg := DefaultConfig()
	err := cfg.ApplyExtraFromEnv()
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("30s")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d)

	d, err = parseDuration("PT1H30M")
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, d)

	_, err = parseDuration("bogus")
	require.Error(t, err)
}

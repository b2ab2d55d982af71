package livechat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{AccountName: "demo", Workers: 3}
	cfg.defaults()

	assert.Equal(t, DefaultLocation, cfg.Location)
	assert.Equal(t, DefaultPlatform, cfg.Platform)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, DefaultMaxMessageLength, cfg.MaxMessageLength)
	assert.Equal(t, int64(DefaultMaxAttachmentSize), cfg.MaxAttachmentSize)
	assert.NoError(t, cfg.validate())

	var empty Config
	empty.defaults()
	assert.Equal(t, 1, empty.Workers)
	assert.True(t, IsKind(empty.validate(), KindNotConfigured))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LIVECHAT_ACCOUNT", "demo")
	t.Setenv("LIVECHAT_POLL_INTERVAL", "2s")
	t.Setenv("LIVECHAT_PUSH", "true")
	t.Setenv("LIVECHAT_ALLOWED_ATTACHMENT_TYPES", "image/*,application/pdf")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.AccountName)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.True(t, cfg.Push)
	assert.Equal(t, []string{"image/*", "application/pdf"}, cfg.AllowedAttachmentTypes)
}

func TestApplyEnvKeepsUnsetFields(t *testing.T) {
	t.Setenv("LIVECHAT_LOCATION", "support")

	cfg := Config{AccountName: "file-account", Location: "mobile", DeviceID: "dev-1"}
	require.NoError(t, ApplyEnv(&cfg))
	assert.Equal(t, "file-account", cfg.AccountName)
	assert.Equal(t, "support", cfg.Location)
	assert.Equal(t, "dev-1", cfg.DeviceID)
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	t.Setenv("LIVECHAT_POLL_INTERVAL", "often")
	var cfg Config
	assert.Error(t, ApplyEnv(&cfg))
}

func TestAllowsContentType(t *testing.T) {
	cfg := Config{AllowedAttachmentTypes: []string{"image/*", " Application/PDF "}}
	tests := map[string]bool{
		"image/png":                 true,
		"IMAGE/JPEG":                true,
		"application/pdf":           true,
		"application/pdf; q=1":      true,
		"application/zip":           false,
		"imagex/png":                false,
		"":                          false,
		"text/plain; charset=utf-8": false,
	}
	for ct, want := range tests {
		assert.Equal(t, want, cfg.allowsContentType(ct), ct)
	}

	var open Config
	assert.True(t, open.allowsContentType("application/x-anything"))
}

package cosmo

import (
	"bytes"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

const (
	testGuildID           = "100000000000000001"
	testApplicationID     = "100000000000000002"
	testModID             = "200000000000000001"
	testUserID            = "200000000000000002"
	testOtherUserID       = "200000000000000003"
	testRoleBirthday      = "300000000000000001"
	testRoleNewMember     = "300000000000000002"
	testChannelPublicLogs = "400000000000000001"
	testChannelChatGPT    = "400000000000000002"
	testChannelGeneral    = "400000000000000003"

	testAdminUsername = "admin"
	testAdminPassword = "correct horse battery staple"
	testDiscordToken  = "discord-token-abc123"
	testAPISecret     = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"
)

func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", filepath.Base(t.Name())))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Scheduler.RetryDelay = 50 * time.Millisecond

	cfg.Discord.Token = testDiscordToken
	cfg.Discord.ApplicationID = testApplicationID
	cfg.Discord.GuildID = testGuildID

	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Secret = testAPISecret

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.OpenAI.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	cfg.Scheduler.LogLevel.Set(logLevel)
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr bool
	}{
		{
			name:   "valid",
			modify: func(_ *Config) {},
		},
		{
			name:    "missing discord token",
			modify:  func(cfg *Config) { cfg.Discord.Token = "" },
			wantErr: true,
		},
		{
			name:    "missing guild",
			modify:  func(cfg *Config) { cfg.Discord.GuildID = "" },
			wantErr: true,
		},
		{
			name:    "invalid database type",
			modify:  func(cfg *Config) { cfg.DatabaseType = "mysql" },
			wantErr: true,
		},
		{
			name:    "new member role duration too short",
			modify:  func(cfg *Config) { cfg.NewMemberRoleDuration = time.Second },
			wantErr: true,
		},
		{
			name: "api disabled without listen address",
			modify: func(cfg *Config) {
				cfg.API.Enabled = false
				cfg.API.Listen = ""
			},
		},
		{
			name:    "api enabled without listen address",
			modify:  func(cfg *Config) { cfg.API.Listen = "" },
			wantErr: true,
		},
		{
			name:    "ssl cert without key",
			modify:  func(cfg *Config) { cfg.API.SSL.Cert = "cert.pem" },
			wantErr: true,
		},
		{
			name:    "negative scheduler workers",
			modify:  func(cfg *Config) { cfg.Scheduler.Workers = -1 },
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				err := structValidator.Struct(cfg)
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			},
		)
	}
}

func TestConfig_LogValue(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.OpenAI.Token = "sk-secret-openai-token"

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("config", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, testDiscordToken)
	assert.NotContains(t, out, testAPISecret)
	assert.NotContains(t, out, "sk-secret-openai-token")
	assert.Contains(t, out, "[redacted]")
	assert.Contains(t, out, testGuildID)
}

func TestSchedulerConfig_jobsConfig(t *testing.T) {
	t.Parallel()
	cfg := SchedulerConfig{
		Workers:            3,
		MisfireGracePeriod: time.Minute,
		RetryDelay:         time.Second,
	}
	jc := cfg.jobsConfig()
	assert.Equal(t, 3, jc.Workers)
	assert.Equal(t, time.Minute, jc.DefaultMisfireGracePeriod)
	assert.Equal(t, time.Second, jc.RetryDelay)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.NotNil(t, cfg.API)
	assert.True(t, cfg.API.Enabled)
	assert.False(t, cfg.API.SSL.enabled())
	assert.Equal(t, DefaultOpenAIModel, cfg.OpenAI.Model)
	assert.Equal(t, DefaultNewMemberDuration, cfg.NewMemberRoleDuration)

	// required discord settings have no defaults
	assert.Error(t, structValidator.Struct(cfg))
}

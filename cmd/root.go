package cmd

import (
	"context"
	"fmt"
	"github.com/cosmobot/cosmo/cosmo"
	"github.com/cosmobot/cosmo/jobs"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = cosmo.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"scheduler.log_level",
	"openai.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// sliceKeys are the config keys holding a []string, which may be set
// as a space-separated env var
var sliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "cosmo [flags]",
	Short: "Discord moderation bot with durable scheduled actions",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command, cancelling its context on
// SIGINT/SIGTERM/SIGHUP
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", cosmo.DefaultDatabase)
	viper.SetDefault("database_type", cosmo.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", cosmo.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", cosmo.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", cosmo.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", cosmo.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", cosmo.DefaultShutdownTimeout)
	viper.SetDefault("new_member_role_duration", cosmo.DefaultNewMemberDuration)

	// Scheduler
	viper.SetDefault("scheduler.workers", jobs.DefaultWorkers)
	viper.SetDefault("scheduler.misfire_grace_period", jobs.DefaultMisfireGracePeriod)
	viper.SetDefault("scheduler.retry_delay", jobs.DefaultRetryDelay)
	viper.SetDefault("scheduler.log_level", cosmo.DefaultSchedulerLogLevel.String())

	// OpenAI
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", cosmo.DefaultOpenAIModel)
	viper.SetDefault("openai.log_level", cosmo.DefaultOpenAILogLevel.String())
	viper.SetDefault(
		"openai.max_requests_per_second",
		cosmo.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.history_length", cosmo.DefaultOpenAIHistoryLength)
	viper.SetDefault("openai.system_prompt", "")

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", cosmo.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		cosmo.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", cosmo.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.custom_status", cosmo.DefaultDiscordCustomStatus)

	// API
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", cosmo.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", cosmo.DefaultAPILogLevel.String())
	viper.SetDefault("api.ssl.tls_min_version", cosmo.DefaultAPITLSMinVersion)
	viper.SetDefault("api.session_max_age", cosmo.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", cosmo.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", cosmo.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", cosmo.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", cosmo.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)

	// API: CORS
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", cosmo.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", cosmo.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", cosmo.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", cosmo.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		cosmo.DefaultAPICORSAllowCredentials,
	)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(cosmo.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = cosmo.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// No defaults, so these need explicit bindings to be included
	// when unmarshalling
	for _, key := range []string{"api.ssl.cert", "api.ssl.key"} {
		if err := viper.BindEnv(key); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}

	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		lvl, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}

package cosmo

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/cosmobot/cosmo/jobs"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/cosmobot/cosmo/cosmo.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot is the moderation bot. It owns the discord session, the job
// scheduler (and the database backing it), the ChatGPT channel monitor
// and the admin API.
//
// Fields:
//   - config: Pointer to the main configuration struct.
//   - db: Database connection, set by Run.
//   - scheduler: Delayed job scheduler, created once the database is open.
//   - discord: Discord session and gateway state.
//   - chatGPT: ChatGPT channel monitor. Nil if no OpenAI token is set.
//   - api: Admin API server. Nil if the API is disabled.
//   - signalReady: Receives a value once Run has finished starting up.
type Bot struct {
	config     *Config
	db         *gorm.DB
	scheduler  *jobs.Scheduler
	discord    *Discord
	chatGPT    *ChatGPT
	api        *API
	logger     *slog.Logger
	logHandler slog.Handler

	runMu       sync.Mutex
	signalReady chan struct{}
	startedAt   time.Time
}

// New creates a Bot from config. Dependencies that need a network or a
// database are set up by Run.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.config.Discord.httpClient = b.config.HTTPClient
	b.discord = newDiscord(b.config.Discord)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if config.OpenAI.Token != "" {
		b.chatGPT = newChatGPT(config.OpenAI, config.HTTPClient)
	} else {
		b.logger.Warn("no OpenAI token set, ChatGPT channel disabled")
	}

	if config.API.Enabled {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// RegisterSlashCommands overwrites the bot's guild slash commands
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

func (b *Bot) schedulerReady() bool {
	return b.scheduler != nil && b.scheduler.Ready()
}

// Run opens the database, reloads scheduled jobs, connects to discord
// and serves the API, then blocks until ctx is cancelled and shuts
// everything down.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "error initializing database", tint.Err(err))
		return err
	}

	// stop any older instance before reloading jobs it may still fire
	guard, err := newInstanceGuard(b)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "acquiring instance lock", "instance_id", guard.ID())
	if err = guard.Acquire(startCtx); err != nil {
		logger.ErrorContext(ctx, "error acquiring instance lock", tint.Err(err))
		return err
	}
	listenCtx, stopListening := context.WithCancel(ctx)
	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		if e := guard.Listen(listenCtx, cancel); e != nil {
			logger.ErrorContext(ctx, "instance stop listener failed", tint.Err(e))
		}
	}()
	defer func() {
		stopListening()
		<-listenDone
		guard.Release()
	}()

	if b.api != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
				cancel()
			}
		}()
	}

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("reloading scheduled jobs...")
		initErr <- b.initScheduler(startCtx)
	}()

	select {
	case <-startCtx.Done():
		_ = b.shutdown(ctx, runtimeWG)
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			_ = b.shutdown(ctx, runtimeWG)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		_ = b.shutdown(ctx, runtimeWG)
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		_ = b.shutdown(ctx, runtimeWG)
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err := b.RegisterSlashCommands(); err != nil {
		logger.ErrorContext(ctx, "error registering slash commands", tint.Err(err))
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initDB opens the database (unless one was already set), and creates
// the scheduler with the bot's job handlers registered.
func (b *Bot) initDB(ctx context.Context) error {
	if b.db == nil {
		gormLogger := newGORMLogger(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     b.config.DatabaseLogLevel,
					AddSource: true,
				},
			),
			b.config.DatabaseSlowThreshold,
		)
		db, err := openDB(ctx, b.config.DatabaseType, b.config.Database, gormLogger)
		if err != nil {
			return err
		}
		b.db = db
	}

	if _, err := getGuild(ctx, b.db, b.config.Discord.GuildID); err != nil {
		return err
	}

	if b.scheduler == nil {
		scheduler := jobs.New(
			jobs.NewGormStore(b.db),
			b.config.Scheduler.jobsConfig(),
			newComponentLogger("scheduler", b.config.Scheduler.LogLevel),
		)
		for kind, handler := range b.jobHandlers() {
			if err := scheduler.Register(kind, handler); err != nil {
				return err
			}
		}
		b.scheduler = scheduler
	}
	return nil
}

// initScheduler reloads stored jobs, re-arming the ones still due
func (b *Bot) initScheduler(ctx context.Context) error {
	armed, err := b.scheduler.Reload(ctx)
	if err != nil {
		return fmt.Errorf("error reloading jobs: %w", err)
	}
	b.logger.InfoContext(ctx, "reloaded jobs", "armed", len(armed))
	return nil
}

func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		disc, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = disc
	}

	for _, h := range b.discord.removeHandlerFuncs {
		h()
	}

	identify := discordgo.Identify{Intents: b.config.Discord.GatewayIntents}
	b.discord.session.SetIdentify(identify)

	ctx = WithLogger(ctx, b.discord.logger)

	b.discord.removeHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, i)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleMessageCreate(ctx, m)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					if err := b.OnMemberJoin(ctx, m.Member); err != nil {
						b.logger.ErrorContext(ctx, "error handling member join", tint.Err(err))
					}
				}()
			},
		),
	}
	return nil
}

// shutdown stops accepting API requests and discord events, then waits
// (up to ShutdownTimeout) for in-flight handlers and running jobs.
// Pending jobs stay in the store for the next Run.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	shutdownStart := time.Now()
	b.logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
	)

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	for _, h := range b.discord.removeHandlerFuncs {
		h()
	}
	b.discord.removeHandlerFuncs = nil

	g, gctx := errgroup.WithContext(closeCtx)
	if b.api != nil {
		g.Go(
			func() error {
				if err := b.api.httpServer.Shutdown(gctx); err != nil {
					return fmt.Errorf("error shutting down api: %w", err)
				}
				return nil
			},
		)
	}
	if b.scheduler != nil {
		g.Go(
			func() error {
				return b.scheduler.Stop(gctx)
			},
		)
	}
	g.Go(
		func() error {
			done := make(chan struct{})
			go func() {
				runtimeWG.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("in-flight handlers didn't finish: %w", gctx.Err())
			}
		},
	)
	err := g.Wait()

	if b.discord.session != nil {
		if closeErr := b.discord.session.Close(); closeErr != nil {
			b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(closeErr))
		}
	}

	if err != nil {
		b.logger.ErrorContext(ctx, "unclean shutdown", tint.Err(err))
	} else {
		b.logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_duration", time.Since(shutdownStart),
		)
	}
	return err
}

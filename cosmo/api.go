package cosmo

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/cosmobot/cosmo/jobs"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	pprofPrefix      = "/debug"
	apiPrefix        = "/api"
	apiPathLogin     = "/login"
	apiPathLogout    = "/logout"
	apiPathLoggedIn  = "/logged_in"
	apiHealthCheck   = "/healthz"
	apiPathJobs      = "/jobs"
	apiPathJob       = "/jobs/:id"
	apiPathStats     = "/stats"
	apiPathUserCases = "/cases/:user_id"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

// API is the admin HTTP server.
//
// Fields:
//   - config: Configuration for the API server.
//   - httpServer: The underlying HTTP server.
//   - listener: Network listener for the HTTP server.
//   - engine: Gin engine for routing HTTP requests.
//   - store: CookieStore for session management.
//   - loginRequestLimiter: Rate limiter for login requests.
//   - requestMetrics: Request counts by method and path.
//   - logger: Logger for API-related events.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	listenerMu          sync.Mutex
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	SchedulerReady          bool `json:"scheduler_ready"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

type statsResponse struct {
	Scheduler jobs.Stats     `json:"scheduler"`
	Requests  map[string]int `json:"requests"`
	Uptime    string         `json:"uptime"`
	Connects  int64          `json:"discord_connects"`
}

// newAPI sets up the gin engine, session store, middleware and routes.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              newComponentLogger("api", config.LogLevel),
	}
	api.handlers = newAPIHandlers(b, api)
	api.store = api.handlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, api.store))

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.enabled() {
		tlsCfg, err := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	h := api.handlers
	r.POST(apiPathLogin, h.loginHandler)
	r.GET(apiHealthCheck, h.healthCheck)
	r.POST(apiPathLogout, h.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathLoggedIn, h.loggedIn)
	protected.GET(apiPathJobs, h.listJobs)
	protected.GET(apiPathJob, h.getJob)
	protected.DELETE(apiPathJob, h.cancelJob)
	protected.GET(apiPathStats, h.stats)
	protected.GET(apiPathUserCases, h.userCases)

	return api, nil
}

// Serve listens on the configured address (with TLS, if certs are set)
// and serves the API until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	a.listenerMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenerMu.Unlock()

	a.logger.InfoContext(ctx, "serving api", "address", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, ok := username.(string)
	if !ok || s == "" {
		return "", errors.New("username not set")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints.
type APIHandlers struct {
	b      *Bot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

// newAPIHandlers sets up the cookie store, keyed from APIConfig.Secret.
// If no secret is set, a random key is generated, so sessions don't
// survive a restart.
func newAPIHandlers(b *Bot, api *API) *APIHandlers {
	var key []byte
	if api.config.Secret != "" {
		key = derive64ByteKey(api.config.Secret)
	} else {
		api.logger.Warn("no API secret set, sessions won't persist across restarts")
		key = securecookie.GenerateRandomKey(64)
	}

	store := NewCookieStore(key)
	sameSite := http.SameSiteStrictMode
	if api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			Path:     "/",
			MaxAge:   int(api.config.SessionMaxAge.Seconds()),
			HttpOnly: true,
			Secure:   api.config.SSL.enabled() || api.config.Development,
			SameSite: sameSite,
		},
	)
	return &APIHandlers{
		b:      b,
		api:    api,
		logger: api.logger,
		store:  store,
	}
}

// loginHandler checks the admin credentials set by 'cosmo init', and
// saves the username to the session.
//
// Responses:
//   - 200 OK: loggedInResponse
//   - 400 Bad Request: missing username or password
//   - 401 Unauthorized: invalid credentials
//   - 429 Too Many Requests: login rate limited
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	guild, err := getGuild(c.Request.Context(), h.b.db, h.b.config.Discord.GuildID)
	if err != nil {
		logger.Error("error getting guild", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if guild.AdminUsername == "" || guild.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != guild.AdminUsername {
		logger.Warn("admin username incorrect", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(guild.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	if !h.sessionAvailable(c) {
		return
	}
	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.sessionAvailable(c) {
		return
	}
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	ginReplyMessage(c, "logged out")
}

// sessionAvailable aborts with a 500 if the store can't return a session
// for the request. A decode error alongside a new session (a stale or
// tampered cookie) is fine, the session is overwritten on save.
func (h *APIHandlers) sessionAvailable(c *gin.Context) bool {
	session, err := h.api.store.Get(c.Request, sessionVarName)
	if session == nil {
		ginContextLogger(c).Error("error getting session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return false
	}
	if err != nil {
		ginContextLogger(c).Warn("discarding invalid session", tint.Err(err))
	}
	return true
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// healthCheck responds 503 until scheduled jobs have been reloaded
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		SchedulerReady:          h.b.schedulerReady(),
		DiscordGatewayConnected: h.b.discord.connected.Load(),
	}
	status := http.StatusOK
	if !resp.SchedulerReady {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// listJobs responds with the pending jobs, ordered by fire time. The
// optional 'kind' query parameter filters by job kind.
func (h *APIHandlers) listJobs(c *gin.Context) {
	scheduler, ok := h.readyScheduler(c)
	if !ok {
		return
	}
	pending := scheduler.Pending()
	if kind := c.Query("kind"); kind != "" {
		filtered := make([]jobs.Job, 0, len(pending))
		for _, j := range pending {
			if j.Kind.String() == kind {
				filtered = append(filtered, j)
			}
		}
		pending = filtered
	}
	c.JSON(http.StatusOK, pending)
}

func (h *APIHandlers) getJob(c *gin.Context) {
	scheduler, ok := h.readyScheduler(c)
	if !ok {
		return
	}
	job, err := scheduler.Get(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// cancelJob cancels a pending job.
//
// Responses:
//   - 200 OK: the job was cancelled
//   - 404 Not Found: no pending job with that ID (it may have fired)
//   - 503 Service Unavailable: the job store couldn't be updated
func (h *APIHandlers) cancelJob(c *gin.Context) {
	scheduler, ok := h.readyScheduler(c)
	if !ok {
		return
	}
	id := c.Param("id")
	err := scheduler.Cancel(c.Request.Context(), id)
	switch {
	case err == nil:
		ginContextLogger(c).Info("cancelled job", "job_id", id)
		ginReplyMessage(c, "cancelled")
	case errors.Is(err, jobs.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: err.Error()})
	case errors.Is(err, jobs.ErrStoreUnavailable):
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "job store unavailable"})
	default:
		_ = c.Error(err)
		ginReplyError(c, err.Error())
	}
}

func (h *APIHandlers) stats(c *gin.Context) {
	scheduler, ok := h.readyScheduler(c)
	if !ok {
		return
	}
	h.api.requestMetricsMu.Lock()
	requests := make(map[string]int, len(h.api.requestMetrics))
	for k, v := range h.api.requestMetrics {
		requests[k] = v
	}
	h.api.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK,
		statsResponse{
			Scheduler: scheduler.Stats(),
			Requests:  requests,
			Uptime:    time.Since(h.b.startedAt).Round(time.Second).String(),
			Connects:  h.b.discord.metricConnects.Load(),
		},
	)
}

// userCases responds with the moderation cases recorded for a user
func (h *APIHandlers) userCases(c *gin.Context) {
	cases, err := userCases(
		c.Request.Context(),
		h.b.db,
		h.b.config.Discord.GuildID,
		c.Param("user_id"),
	)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error getting cases")
		return
	}
	c.JSON(http.StatusOK, cases)
}

// readyScheduler returns the scheduler, or responds 503 if jobs haven't
// been reloaded yet
func (h *APIHandlers) readyScheduler(c *gin.Context) (*jobs.Scheduler, bool) {
	if !h.b.schedulerReady() {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: jobs.ErrNotReady.Error()},
		)
		return nil, false
	}
	return h.b.scheduler, true
}

func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		session, err := a.store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		logger.Debug("got session", sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware assigns a random X-Request-ID to each request
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's duration and response status,
// along with any errors added to the gin context.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_addr", c.Request.RemoteAddr,
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.Request.Method + " " + route
		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// ginReplyMessage responds 200 with a JSON message
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with a 500 and a JSON error
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}

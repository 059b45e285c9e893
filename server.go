/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cruze

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cruze-app/cruze/jwt"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// http.Server timeouts
const (
	srvReadTimeout  = 30 * time.Second
	srvWriteTimeout = 2 * time.Minute
	srvIdleTimeout  = 90 * time.Second
)

// APIServer serves the accounts and token endpoints described by an
// APIServerConfig. Logging, metrics and response caching are delegated to
// the functions in a RuntimeInterface.
type APIServer struct {
	cfg         *APIServerConfig
	rti         *RuntimeInterface
	srv         *http.Server
	logger      zerolog.Logger
	st          *store
	alg         jwt.Algorithm
	key         []byte
	gen         atomic.Uint64 // cache generation, bumped on every write
	dummy       string
	dummyOnce   sync.Once
	c           *cron.Cron
	bgctx       context.Context
	bgctxcancel context.CancelFunc
}

// NewAPIServer validates cfg and returns a server that is ready to Start.
// rti may be nil, in which case nothing is logged, reported or cached.
func NewAPIServer(cfg *APIServerConfig, rti *RuntimeInterface) (*APIServer, error) {
	if cfg == nil {
		return nil, errors.New("invalid configuration: is nil")
	}
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := zerolog.Nop()
	if rti != nil && rti.Logger != nil {
		logger = *rti.Logger
	}
	return &APIServer{
		cfg:    cfg,
		rti:    rti,
		logger: logger,
		alg:    cfg.Token.algorithm(),
		key:    []byte(cfg.Token.signingKey()),
	}, nil
}

// Start the API server. Upon startup, the datasource is connected to and its
// schema migrated, the jobs are scheduled and an HTTP server is started on
// the specified port.
func (a *APIServer) Start() (err error) {
	a.bgctx, a.bgctxcancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			a.teardown()
		}
	}()

	if a.st, err = openStore(a.bgctx, &a.cfg.Datasource, a.logger); err != nil {
		a.logger.Error().Err(err).Str("driver", dsDriver(&a.cfg.Datasource)).
			Msg("failed to open datasource")
		return err
	}
	a.logger.Info().Str("driver", a.st.driver).Msg("datasource ready")

	// a fresh scheduler per Start, so that a restart does not double up jobs
	a.c = newCron(a.logger)
	if err = a.setupJobs(); err != nil {
		return err // already logged
	}
	a.c.Start()

	addr := a.cfg.Listen
	if !rxPort.MatchString(addr) {
		addr += defaultPort
	}
	lnr, err := net.Listen("tcp", addr)
	if err != nil {
		a.logger.Error().Err(err).Str("listen", addr).Msg("failed to listen")
		return err
	}
	a.srv = &http.Server{
		Addr:         addr,
		Handler:      a.handler(),
		ReadTimeout:  srvReadTimeout,
		WriteTimeout: srvWriteTimeout,
		IdleTimeout:  srvIdleTimeout,
	}
	go a.srv.Serve(lnr)
	a.logger.Info().Str("listen", addr).Msg("cruze API server started")
	return nil
}

// teardown releases whatever Start managed to acquire.
func (a *APIServer) teardown() {
	if a.c != nil {
		<-a.c.Stop().Done()
	}
	if a.bgctxcancel != nil {
		a.bgctxcancel()
	}
	if a.st != nil {
		a.st.close()
		a.st = nil
	}
}

// Stop shuts the server down, giving in-flight requests up to timeout to
// finish. Running jobs are always waited for. Stopping a server that is not
// running is a no-op.
func (a *APIServer) Stop(timeout time.Duration) error {
	if a.srv == nil {
		return nil
	}
	a.logger.Info().Dur("timeout", timeout).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := a.srv.Shutdown(ctx)
	a.srv = nil
	a.teardown()
	if err != nil {
		a.logger.Error().Err(err).Msg("shutdown incomplete")
		return err
	}
	a.logger.Info().Msg("cruze API server stopped")
	return nil
}

//------------------------------------------------------------------------------
// routing

// corsLogger routes the cors package's debug output into zerolog.
type corsLogger zerolog.Logger

func (l corsLogger) Printf(f string, args ...any) {
	logger := zerolog.Logger(l)
	logger.Debug().Msgf(f, args...)
}

func (a *APIServer) handler() http.Handler {
	r := chi.NewRouter()
	a.setupRouter(r)
	if a.cfg.Compression {
		return middleware.Compress(5)(r)
	}
	return r
}

func newCORS(cfg *CORS, logger zerolog.Logger) *cors.Cors {
	opts := cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		ExposedHeaders:   cfg.ExposedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		Debug:            cfg.Debug,
	}
	if cfg.MaxAge != nil && *cfg.MaxAge > 0 {
		opts.MaxAge = *cfg.MaxAge
	}
	c := cors.New(opts)
	if cfg.Debug {
		c.Log = corsLogger(logger.With().Str("component", "cors").Logger())
	}
	return c
}

func (a *APIServer) setupRouter(r *chi.Mux) {
	if a.cfg.CORS != nil {
		r.Use(newCORS(a.cfg.CORS, a.logger).Handler)
	}
	r.Use(a.observe)
	r.Use(middleware.GetHead)
	r.NotFound(func(resp http.ResponseWriter, req *http.Request) {
		writeError(resp, errDetail(http.StatusNotFound, detailNotFound), a.logger)
	})
	r.MethodNotAllowed(func(resp http.ResponseWriter, req *http.Request) {
		writeError(resp, errDetail(http.StatusMethodNotAllowed,
			fmt.Sprintf("Method %q not allowed.", req.Method)), a.logger)
	})

	prefix := a.cfg.CommonPrefix
	r.Route(prefix+"/", func(r chi.Router) {
		r.Use(a.authenticate)
		r.Get("/", a.serveIndex)

		r.Route("/users", func(r chi.Router) {
			r.Get("/", a.cached(a.serveUserList))
			r.Post("/", a.serveUserCreate)
			r.Get("/{id}/", a.cached(a.serveUserDetail))
			r.Put("/{id}/", a.serveUserUpdate)
			r.Patch("/{id}/", a.serveUserUpdate)
			r.Delete("/{id}/", a.serveUserDelete)
			r.Post("/{id}/suspend/", a.serveSuspend)
			r.Delete("/{id}/suspend/", a.serveUnsuspend)
		})

		r.Group(func(r chi.Router) {
			if rl := a.cfg.RateLimit; rl != nil {
				r.Use(httprate.Limit(rl.Requests,
					time.Duration(rl.Window*float64(time.Second)),
					httprate.WithKeyFuncs(func(req *http.Request) (string, error) {
						return clientIP(req), nil
					}),
					httprate.WithLimitHandler(a.serveRateLimited)))
			}
			r.Post("/auth/token/", a.serveObtainToken)
			if a.cfg.Token.AllowRefresh {
				r.Post("/auth/token/refresh/", a.serveRefreshToken)
			}
		})
	})
}

// serveIndex lists the resources of the API.
func (a *APIServer) serveIndex(resp http.ResponseWriter, req *http.Request) {
	prefix := a.cfg.CommonPrefix
	index := map[string]string{
		"users": absoluteURL(req, prefix+"/users/", nil),
		"token": absoluteURL(req, prefix+"/auth/token/", nil),
	}
	if a.cfg.Token.AllowRefresh {
		index["token-refresh"] = absoluteURL(req, prefix+"/auth/token/refresh/", nil)
	}
	writeJSON(resp, http.StatusOK, index, a.requestLogger(req))
}

func (a *APIServer) serveRateLimited(resp http.ResponseWriter, req *http.Request) {
	logger := a.requestLogger(req)
	logger.Warn().Str("ip", clientIP(req)).Msg("rate limit exceeded")
	a.reportMetric("ratelimited", 1)
	writeError(resp, errDetail(http.StatusTooManyRequests,
		"Request was throttled."), logger)
}

//------------------------------------------------------------------------------
// logging & metrics

// observe is a middleware that reports the time taken to serve each request,
// and logs the start and end of each request if debug is enabled.
func (a *APIServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		t0 := time.Now()
		if a.cfg.Debug {
			a.logger.Debug().Str("method", req.Method).Str("uri", req.URL.RequestURI()).
				Str("ip", clientIP(req)).Msg("handler start")
		}

		ww := middleware.NewWrapResponseWriter(resp, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		elapsed := time.Since(t0)
		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil && len(rctx.RoutePattern()) > 0 {
			route = rctx.RoutePattern()
		}
		a.reportMetric("reqserve", float64(elapsed)/1e6, "route="+route,
			"method="+req.Method, fmt.Sprintf("status=%d", ww.Status()))
		if a.cfg.Debug {
			a.logger.Debug().Str("method", req.Method).Str("uri", req.URL.RequestURI()).
				Int("status", ww.Status()).Float64("elapsed", float64(elapsed)/1e6).
				Msg("handler end")
		}
	})
}

func (a *APIServer) requestLogger(req *http.Request) zerolog.Logger {
	ctx := a.logger.With().Str("method", req.Method).Str("uri", req.URL.Path)
	if u := currentUser(req); u != nil {
		ctx = ctx.Int64("user", u.ID)
	}
	logger := ctx.Logger()
	if !a.cfg.Debug {
		// debug events only when enabled
		logger = logger.Level(maxLevel(a.logger.GetLevel(), zerolog.InfoLevel))
	}
	return logger
}

func maxLevel(a, b zerolog.Level) zerolog.Level {
	if a > b {
		return a
	}
	return b
}

func (a *APIServer) reportMetric(name string, value float64, labels ...string) {
	if a.rti != nil && a.rti.ReportMetric != nil {
		a.rti.ReportMetric(name, labels, value)
	}
}

// clientIP is the address rate limits are keyed on: the first hop of
// X-Forwarded-For, then X-Real-Ip, then the peer address.
func clientIP(r *http.Request) string {
	if ff := r.Header.Get("X-Forwarded-For"); ff != "" {
		first, _, _ := strings.Cut(ff, ",")
		return strings.TrimSpace(first)
	}
	if rip := r.Header.Get("X-Real-Ip"); rip != "" {
		return rip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// dummyHash returns a password hash to check against when there is no user,
// so that failed logins take the same time either way.
func (a *APIServer) dummyHash() string {
	a.dummyOnce.Do(func() {
		a.dummy, _ = makePassword("", a.cfg.Accounts.passwordIterations())
	})
	return a.dummy
}

//------------------------------------------------------------------------------
// runtime interface

// RuntimeInterface carries the hooks an APIServer calls out to. Every
// function is invoked from request and job goroutines concurrently and sits
// on the request path, so implementations must be goroutine-safe and fast.
type RuntimeInterface struct {
	// Logger receives info, warn and error events, plus debug events for
	// requests and jobs when their debug option is set. Nil means no logs.
	Logger *zerolog.Logger

	// ReportMetric receives timings and counters. Labels are "key=value"
	// strings, and a given metric name always carries the same label keys.
	ReportMetric func(name string, labels []string, value float64)

	// CacheSet stores value under key, or drops the entry if value is empty.
	CacheSet func(key uint64, value []byte)

	// CacheGet looks key up, reporting whether it was present.
	CacheGet func(key uint64) (value []byte, found bool)
}

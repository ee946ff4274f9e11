package routes

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/b2-hub/internal/b2"
	"github.com/any-hub/b2-hub/internal/server"
	"github.com/any-hub/b2-hub/internal/version"
)

// StatusOptions 描述 /-/status 需要展示的运行时信息，全部不含凭证。
type StatusOptions struct {
	Bucket          string
	CacheBackend    string
	AuthMode        string
	StreamThreshold int64
	SignedURLTTL    time.Duration
	Sessions        b2.SessionSource
	Started         time.Time
	// Metrics 为空时不注册 /-/metrics。
	Metrics http.Handler
}

type statusPayload struct {
	Version         string           `json:"version"`
	Bucket          string           `json:"bucket"`
	CacheBackend    string           `json:"cache_backend"`
	AuthMode        string           `json:"auth_mode"`
	StreamThreshold int64            `json:"stream_threshold_bytes"`
	SignedURLTTL    int64            `json:"signed_url_ttl_seconds"`
	Session         *b2.SessionState `json:"session,omitempty"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
}

type sessionStater interface {
	State() b2.SessionState
}

// RegisterDiagnosticRoutes 暴露 /-/status 与 /-/metrics 诊断接口。
func RegisterDiagnosticRoutes(app *fiber.App, opts StatusOptions) {
	if app == nil {
		return
	}
	started := opts.Started
	if started.IsZero() {
		started = time.Now()
	}

	app.Get(server.PathStatus, func(c fiber.Ctx) error {
		return c.JSON(buildStatus(opts, started, time.Now()))
	})

	if opts.Metrics != nil {
		app.Get(server.PathMetrics, adaptor.HTTPHandler(opts.Metrics))
	}
}

func buildStatus(opts StatusOptions, started, now time.Time) statusPayload {
	payload := statusPayload{
		Version:         version.Full(),
		Bucket:          opts.Bucket,
		CacheBackend:    opts.CacheBackend,
		AuthMode:        opts.AuthMode,
		StreamThreshold: opts.StreamThreshold,
		SignedURLTTL:    int64(opts.SignedURLTTL / time.Second),
		UptimeSeconds:   int64(now.Sub(started) / time.Second),
	}
	if stater, ok := opts.Sessions.(sessionStater); ok {
		state := stater.State()
		payload.Session = &state
	}
	return payload
}

package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	logx "botrunner/pkg/logx"
)

// NewHandler builds the gin engine serving ops.
func NewHandler(cfg Config, ops Operations, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLog(log))
	if origins := cleanOrigins(cfg.CORSOrigins); len(origins) > 0 {
		cc := cors.DefaultConfig()
		if len(origins) == 1 && origins[0] == "*" {
			cc.AllowAllOrigins = true
		} else {
			cc.AllowOrigins = origins
		}
		cc.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		cc.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
		r.Use(cors.New(cc))
	}

	h := &handlers{ops: ops, log: log}

	// Health stays open for probes.
	r.GET("/health", h.health)

	secured := r.Group("/")
	if cfg.AuthUser != "" && cfg.AuthPass != "" {
		secured.Use(gin.BasicAuth(gin.Accounts{cfg.AuthUser: cfg.AuthPass}))
	}

	api := secured.Group("/api")
	{
		tasks := api.Group("/tasks")
		tasks.GET("/status", h.overview)
		tasks.POST("", h.deploy)
		tasks.POST("/reload", h.reload)
		tasks.POST("/:name/run", h.run)
		tasks.POST("/:name/enable", h.enable)
		tasks.DELETE("/:name", h.deleteTask)

		runs := api.Group("/runs")
		runs.GET("", h.listRuns)
		runs.DELETE("", h.clearRuns)
		runs.GET("/:id", h.getRun)
		runs.DELETE("/:id", h.deleteRun)
	}

	if cfg.Pprof {
		dbg := secured.Group("/debug/pprof")
		dbg.GET("/", gin.WrapF(hpprof.Index))
		dbg.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(hpprof.Profile))
		dbg.POST("/symbol", gin.WrapF(hpprof.Symbol))
		dbg.GET("/symbol", gin.WrapF(hpprof.Symbol))
		dbg.GET("/trace", gin.WrapF(hpprof.Trace))
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			dbg.GET("/"+name, gin.WrapH(hpprof.Handler(name)))
		}
	}
	return r
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}

func cleanOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

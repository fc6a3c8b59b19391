// Package http serves a small status endpoint for a running deployment, so
// dashboards and scripts can observe long uploads without scraping logs.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/rs-cuongph/my-deploy-tool/job"
)

const (
	HeaderAuthenticationToken = "X-Deploy-Auth-Token"
)

// StatusProvider exposes a point-in-time view of the running sync.
type StatusProvider interface {
	Status() job.StatusSnapshot
}

// HTTP is the main object for serving the deployment status HTTP server
type HTTP struct {
	router     *httprouter.Router
	config     Config
	status     StatusProvider
	httpSocket net.Listener
	httpServer *http.Server
	logger     *slog.Logger
	ctx        context.Context
}

type handle func(http.ResponseWriter, *http.Request, httprouter.Params, *slog.Logger)

// NewHTTP creates a new HTTP server reporting the status of the given sync
func NewHTTP(ctx context.Context, conf Config, status StatusProvider, logger *slog.Logger) (*HTTP, error) {
	h := &HTTP{
		router: httprouter.New(),
		config: conf,
		status: status,
		logger: logger,
		ctx:    ctx,
	}

	return h, h.init()
}

func (h *HTTP) init() error {
	h.registerRoutes()

	h.logger.Info("deploy.http.init: Opening socket", "port", h.config.Port)
	var err error
	h.httpSocket, err = net.Listen("tcp", fmt.Sprintf("%s:%d", h.config.Host, h.config.Port))
	if err != nil {
		h.logger.Error("deploy.http.init: Failed to open socket", "port", h.config.Port)
		return err
	}
	h.logger.Info("deploy.http.init: Serving", "host", h.config.Host, "port", h.config.Port)
	h.httpServer = &http.Server{
		Handler: h.router,
		BaseContext: func(_ net.Listener) context.Context {
			return h.ctx
		},
	}
	return nil
}

func (h *HTTP) registerRoutes() {
	h.router.GET("/healthz", h.handleHealth)
	h.router.GET("/status", h.authenticated(h.handleStatus))
}

// Serve starts the main HTTP server
func (h *HTTP) Serve() {
	err := h.httpServer.Serve(h.httpSocket)
	if !errors.Is(err, http.ErrServerClosed) && h.ctx.Err() == nil {
		h.logger.Error("deploy.http.Serve: HTTP server error", "error", err)
	} else {
		h.logger.Info("deploy.http.Serve: HTTP server closed")
	}
}

// Shutdown stops the HTTP server gracefully
func (h *HTTP) Shutdown(ctx context.Context) error {
	return h.httpServer.Shutdown(ctx)
}

// authenticated is an HTTP handler wrapper that ensures a valid authentication is used for the request
func (h *HTTP) authenticated(handle handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		authToken := req.Header.Get(HeaderAuthenticationToken)

		found := false
		for _, tkn := range h.config.AuthenticationTokens {
			found = tkn == authToken
			if found {
				break
			}
		}
		if !found {
			h.logger.Info("deploy.http.authenticated: Invalid authentication",
				"URL", req.URL.String(),
				"method", req.Method,
			)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		logger := h.logger.With(slog.Group("req",
			"URL", req.URL.String(),
			"method", req.Method),
		)
		logger.Debug("deploy.http.authenticated: Handling")

		handle(w, req, ps, logger)
	}
}

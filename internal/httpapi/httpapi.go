// Package httpapi provides the HTTP server for the session backend, built
// on Echo v4 following primal-pds's server package: Recover/Logger
// middleware, a health check, and one upgrade route that hands the
// connection to internal/session once the handshake has cleared.
package httpapi

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/primal-host/session-backend/internal/logging"
	"github.com/primal-host/session-backend/internal/session"
)

// Server wraps the Echo instance and the dependencies every duplex
// connection needs.
type Server struct {
	echo       *echo.Echo
	deps       session.Deps
	listenAddr string
	logger     *logging.Logger
}

// New creates a configured Echo server with every route registered.
func New(listenAddr string, deps session.Deps, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.L()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{echo: e, deps: deps, listenAddr: listenAddr, logger: logger}
	s.registerRoutes()
	return s
}

// wsUpgrader allows any origin: duplex clients connect cross-origin from
// whatever host embeds them, and the handshake's bearer-token + ownership
// check is the real authorization boundary, not Origin.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) registerRoutes() {
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/xrpc/host.session.ownership.check", s.handleOwnershipCheck)
	s.echo.GET("/ws", s.handleUpgrade)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleOwnershipCheck exposes the ownership resolver over REST, so tests
// and operators can probe a save/user pair without opening a socket.
func (s *Server) handleOwnershipCheck(c echo.Context) error {
	userID, saveID := c.QueryParam("user_id"), c.QueryParam("save_id")
	if userID == "" || saveID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "BadRequest",
			"message": "user_id and save_id are required",
		})
	}
	if err := s.deps.Resolver.CheckOwnership(c.Request().Context(), userID, saveID); err != nil {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error":   "OwnershipDenied",
			"message": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]bool{"owns": true})
}

// handleUpgrade parses the handshake request from the query string and
// Authorization header, resolves the handshake, and only then upgrades
// the socket. A rejected handshake returns an HTTP error and never opens
// a WebSocket connection.
func (s *Server) handleUpgrade(c echo.Context) error {
	req := session.HandshakeRequest{
		SaveID:        c.QueryParam("save_id"),
		DeviceID:      c.QueryParam("device_id"),
		Authorization: c.Request().Header.Get("Authorization"),
	}

	resumeFrom, err := session.ParseResumeFrom(c.QueryParam("resume_from"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "BadRequest",
			"message": err.Error(),
		})
	}
	req.ResumeFrom = resumeFrom

	ctx := c.Request().Context()
	_, device, key, err := session.Handshake(ctx, s.deps, req)
	if err != nil {
		if hsErr, ok := err.(*session.HandshakeError); ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "HandshakeRejected",
				"message": hsErr.Error(),
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "handshake failed",
		})
	}

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("httpapi: websocket upgrade failed", logging.Error(err))
		return nil
	}

	sess := session.New(s.deps, conn, key, device)
	if err := sess.Run(c.Request().Context(), resumeFrom); err != nil {
		s.logger.Debug("httpapi: session ended", logging.Error(err))
	}
	return nil
}

// Start begins listening for HTTP requests. It blocks until ctx is
// cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("httpapi: listening on %s", s.listenAddr)
		if err := s.echo.Start(s.listenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("httpapi: shutting down")
		return s.echo.Shutdown(context.Background())
	}
}

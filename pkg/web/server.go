package web

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/lumakit/go-matte/internal/log"
	"github.com/lumakit/go-matte/pkg/matte"
)

// OptionsUpdate is the runtime-adjustable subset exposed over REST.
type OptionsUpdate struct {
	BackgroundMode  string  `json:"background_mode,omitempty"` // blur | color | none
	BlurRadius      float64 `json:"blur_radius,omitempty"`
	BackgroundColor string  `json:"background_color,omitempty"` // "#rrggbb"
	Tier            *int    `json:"tier,omitempty"`
	LockTier        *bool   `json:"lock_tier,omitempty"`
}

// Server is the preview/diagnostics dashboard.
type Server struct {
	app  *fiber.App
	addr string

	previewHub *Hub
	eventHub   *Hub

	// Latest diagnostics event for /api/stats.
	lastEvent   *matte.Event
	lastEventMu sync.RWMutex

	// OnOptions applies a runtime option change to the engine.
	OnOptions func(OptionsUpdate) error
}

// NewServer builds the fiber app and its websocket hubs.
func NewServer(addr string) *Server {
	s := &Server{
		addr:       addr,
		previewHub: NewHub("preview"),
		eventHub:   NewHub("events"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-matte preview",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/stats", s.handleStats)
	api.Post("/options", s.handleOptions)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/preview", websocket.New(s.handlePreviewWS))
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// Start runs the hubs and listens. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	go s.previewHub.Run()
	go s.eventHub.Run()
	log.Info("preview server listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown stops the listener.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// HasViewers reports whether any preview client is connected, so the host
// can skip JPEG encoding entirely.
func (s *Server) HasViewers() bool {
	return s.previewHub.ClientCount() > 0
}

// PublishFrame broadcasts one composited JPEG frame to preview clients.
func (s *Server) PublishFrame(jpeg []byte) {
	if s.previewHub.ClientCount() == 0 {
		return
	}
	s.previewHub.BroadcastBinary(jpeg)
}

// PublishEvent records and broadcasts a diagnostics event. Wire this as
// the engine's OnEvent callback.
func (s *Server) PublishEvent(e matte.Event) {
	s.lastEventMu.Lock()
	s.lastEvent = &e
	s.lastEventMu.Unlock()
	s.eventHub.BroadcastJSON(e)
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	s.lastEventMu.RLock()
	defer s.lastEventMu.RUnlock()
	if s.lastEvent == nil {
		return c.JSON(fiber.Map{"status": "no data yet"})
	}
	return c.JSON(s.lastEvent)
}

func (s *Server) handleOptions(c *fiber.Ctx) error {
	var update OptionsUpdate
	if err := c.BodyParser(&update); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if s.OnOptions == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "options not wired")
	}
	if err := s.OnOptions(update); err != nil {
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) handlePreviewWS(conn *websocket.Conn) {
	NewClient(s.previewHub, conn).Run()
}

func (s *Server) handleEventsWS(conn *websocket.Conn) {
	NewClient(s.eventHub, conn).Run()
}

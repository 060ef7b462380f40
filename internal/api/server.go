// Package api exposes the login workflow over HTTP. Callers are
// authenticated upstream; the user key arrives in a trusted header.
package api

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/majorcontext/tglogin/internal/log"
	"github.com/majorcontext/tglogin/internal/login"
	"github.com/majorcontext/tglogin/internal/resolver"
)

// DefaultUserHeader carries the caller's user key.
const DefaultUserHeader = "X-User-Key"

// LoginService is the workflow behind the routes.
type LoginService interface {
	CheckStatus(ctx context.Context, key string, force bool) (login.Status, error)
	RequestCode(ctx context.Context, key, phone string) (login.CodeRequest, error)
	SubmitCode(ctx context.Context, key, code, codeHash, password string) (login.SignIn, error)
	Cancel(ctx context.Context, key string) error
	WorkerStatus(ctx context.Context) []resolver.Candidate
}

// Pinger reports whether the container engine answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	UserHeader string
	// RequestTimeout bounds a whole login step. Zero means 2 minutes.
	RequestTimeout time.Duration
}

// Server serves the login API.
type Server struct {
	svc     LoginService
	engine  Pinger
	header  string
	timeout time.Duration
	app     *fiber.App
	log     *slog.Logger
}

// New creates a Server and registers its routes.
func New(svc LoginService, engine Pinger, opts Options) *Server {
	s := &Server{
		svc:     svc,
		engine:  engine,
		header:  opts.UserHeader,
		timeout: opts.RequestTimeout,
		log:     log.Component("api"),
	}
	if s.header == "" {
		s.header = DefaultUserHeader
	}
	if s.timeout <= 0 {
		s.timeout = 2 * time.Minute
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "tglogin",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})
	s.app.Use(recover.New())
	s.app.Use(s.logRequests)

	s.app.Get("/healthz", s.health)

	api := s.app.Group("/api")
	api.Get("/worker/status", s.workerStatus)

	lg := api.Group("/login", s.requireUser)
	lg.Get("/status", s.status)
	lg.Post("/request-code", s.requestCode)
	lg.Post("/submit-code", s.submitCode)
	lg.Post("/cancel", s.cancel)
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.Info("api listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.Debug("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start))
	return err
}

func (s *Server) requireUser(c *fiber.Ctx) error {
	key := c.Get(s.header)
	if key == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(errorBody{Error: "unauthenticated", Message: "missing " + s.header + " header"})
	}
	c.Locals("user", key)
	return c.Next()
}

func userKey(c *fiber.Ctx) string {
	key, _ := c.Locals("user").(string)
	return key
}

// stepContext detaches the step from fasthttp's request context, which is
// not cancelled on client disconnect, and bounds it instead.
func (s *Server) stepContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *Server) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.engine.Ping(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "engine": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

type workerJSON struct {
	Name     string `json:"name"`
	ID       string `json:"id,omitempty"`
	Status   string `json:"status"`
	ExitCode int    `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) workerStatus(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	candidates := s.svc.WorkerStatus(ctx)
	out := make([]workerJSON, 0, len(candidates))
	for _, cand := range candidates {
		w := workerJSON{
			Name:     cand.Name,
			ID:       cand.Handle.ID,
			Status:   cand.State.Status.String(),
			ExitCode: cand.State.ExitCode,
		}
		if cand.Err != nil {
			w.Status = "unknown"
			w.Error = cand.Err.Error()
		}
		out = append(out, w)
	}
	return c.JSON(fiber.Map{"workers": out})
}

func (s *Server) status(c *fiber.Ctx) error {
	force, _ := strconv.ParseBool(c.Query("force"))
	ctx, cancel := s.stepContext()
	defer cancel()

	st, err := s.svc.CheckStatus(ctx, userKey(c), force)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(st)
}

type requestCodeBody struct {
	Phone string `json:"phone"`
}

func (s *Server) requestCode(c *fiber.Ctx) error {
	var req requestCodeBody
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: "invalid_input", Message: "invalid request body"})
	}
	ctx, cancel := s.stepContext()
	defer cancel()

	res, err := s.svc.RequestCode(ctx, userKey(c), req.Phone)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(res)
}

type submitCodeBody struct {
	Code     string `json:"code"`
	CodeHash string `json:"codeHash"`
	Password string `json:"password,omitempty"`
}

func (s *Server) submitCode(c *fiber.Ctx) error {
	var req submitCodeBody
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: "invalid_input", Message: "invalid request body"})
	}
	ctx, cancel := s.stepContext()
	defer cancel()

	res, err := s.svc.SubmitCode(ctx, userKey(c), req.Code, req.CodeHash, req.Password)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(res)
}

func (s *Server) cancel(c *fiber.Ctx) error {
	ctx, cancel := s.stepContext()
	defer cancel()

	if err := s.svc.Cancel(ctx, userKey(c)); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "login cancelled"})
}

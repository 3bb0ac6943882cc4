package production

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"pieceflow-backend/internal/audit"
	"pieceflow-backend/internal/auth"
	"pieceflow-backend/internal/logger"
)

// Register mounts every piece-flow route under api. Everything except
// /healthz needs an operator token.
func Register(app *fiber.App, s *Service, jwtSecret string) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		sqlDB, err := s.DB.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(c.UserContext()); err != nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "Veritabanına ulaşılamıyor")
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")
	protected := api.Group("")
	protected.Use(auth.JWTMiddleware(jwtSecret))

	protected.Get("/auth/me", auth.MeHandler())

	// Aşama yönetimi
	protected.Post("/stages/start", auth.RequireRole(auth.RoleSupervisor, auth.RoleLineLoader), StartStageHandler(s))
	protected.Post("/stages/:id/assign-line", auth.RequireRole(auth.RoleSupervisor, auth.RoleLineLoader), AssignLineHandler(s))
	protected.Post("/stages/check", CheckStagesHandler(s))

	// Defter
	protected.Post("/ledger/outcomes", ApplyOutcomeHandler(s))
	protected.Post("/ledger/assemble", AssembleHandler(s))
	protected.Post("/rolls/:id/cut", LogCutHandler(s))
	protected.Post("/rolls/:id/cut/upload", UploadCutSheetHandler(s))

	// Sorgular
	protected.Get("/lines/:id/queue", QueueHandler(s))
	protected.Get("/batches/:id", BatchSummaryHandler(s))
	protected.Get("/rolls/:id/assembly", AssemblyHandler(s))
	protected.Get("/movements", auth.RequireRole(auth.RoleSupervisor), audit.ListMovementsHandler(s.DB))

	// Referans veri
	protected.Post("/products", auth.RequireRole(auth.RoleAdmin), CreateProductHandler(s))
	protected.Post("/lines", auth.RequireRole(auth.RoleAdmin), UpsertLineHandler(s))
	protected.Post("/batches", auth.RequireRole(auth.RoleSupervisor), CreateBatchHandler(s))
}

// RequestLogger logs one line per request.
func RequestLogger(log *logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		log.Debug("request",
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return err
	}
}

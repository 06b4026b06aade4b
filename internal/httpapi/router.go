package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"

	"github.com/suPer8Hu/pet-assistant/internal/common"
	"github.com/suPer8Hu/pet-assistant/internal/httpapi/handlers"
	"github.com/suPer8Hu/pet-assistant/internal/httpapi/middleware"
	"github.com/suPer8Hu/pet-assistant/internal/logging"
)

func NewRouter(h *handlers.Handler, jwtSecret string, corsOrigins []string, logger *log.Logger) *gin.Engine {
	logger = logging.OrDiscard(logger)

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.AccessLog(logger))
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     corsOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Authorization", "Content-Type", "Idempotency-Key"},
			ExposeHeaders:    []string{middleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// payment provider callbacks authenticate with a shared secret, not a user token
	r.POST("/webhooks/payments", h.PaymentWebhook)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))

	// Chat (JWT required)
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)

	// Documents
	authGroup.POST("/documents", h.UploadDocument)
	authGroup.GET("/documents/jobs/:job_id", h.GetDocumentJob)

	// Usage
	authGroup.GET("/usage", h.GetUsage)
	authGroup.GET("/usage/:dimension/check", h.CheckUsage)
	authGroup.POST("/usage/:dimension/consume", h.ConsumeUsage)

	// Credits
	authGroup.GET("/credits", h.GetCredits)
	authGroup.POST("/credits/daily-free", h.ClaimDailyFree)
	return r
}

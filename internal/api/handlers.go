package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetdiag/internal/auth"
	"fleetdiag/internal/models"
	"fleetdiag/internal/rbac"
	"fleetdiag/internal/service/fleet"
	"fleetdiag/internal/session"
	"fleetdiag/internal/worker"
)

// WorkerManager is the slice of the dispatcher the handlers need.
type WorkerManager interface {
	StartSession(worker.StartRequest) (*models.Session, *models.Message, error)
	SendMessage(worker.ExchangeRequest) (*session.ExchangeReply, error)
	Machine(ctx context.Context, userID, sessionID int64) (*session.Machine, error)
	Purge(userID, sessionID int64)
	CancelUser(userID int64)
}

// Handler wires HTTP routes to the fleet service and the diagnostic workers.
type Handler struct {
	fleet    *fleet.Service
	auth     *auth.Service
	workers  WorkerManager
	fileBase string
	fileTTL  time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(fleetSvc *fleet.Service, authService *auth.Service, workers WorkerManager, fileBase string, fileTTL time.Duration) *Handler {
	return &Handler{
		fleet:    fleetSvc,
		auth:     authService,
		workers:  workers,
		fileBase: fileBase,
		fileTTL:  fileTTL,
	}
}

func (h *Handler) requireActor(c *gin.Context) (auth.Actor, bool) {
	actor, ok := auth.ActorFromContext(c)
	if !ok || actor.UserID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return auth.Actor{}, false
	}
	return actor, true
}

// scopeCompany maps an actor to the company filter its role allows: 0 means
// no filter and is reserved for roles spanning all companies.
func scopeCompany(actor auth.Actor) int64 {
	if rbac.CanAccessAllCompanies(actor.Role) {
		return 0
	}
	return actor.CompanyID
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/logout", h.logoutUser)
	authed.DELETE("/users/me", h.deleteUser)

	authed.POST("/trucks", rbac.Require(rbac.ResourceTrucks, rbac.ActionCreate), h.createTruck)
	authed.GET("/trucks", rbac.Require(rbac.ResourceTrucks, rbac.ActionRead), h.listTrucks)
	authed.GET("/trucks/:id", rbac.Require(rbac.ResourceTrucks, rbac.ActionRead), h.getTruck)
	authed.PUT("/trucks/:id", rbac.Require(rbac.ResourceTrucks, rbac.ActionUpdate), h.updateTruck)
	authed.DELETE("/trucks/:id", rbac.Require(rbac.ResourceTrucks, rbac.ActionDelete), h.deleteTruck)

	authed.POST("/projects", rbac.Require(rbac.ResourceProjects, rbac.ActionCreate), h.createProject)
	authed.GET("/projects", rbac.Require(rbac.ResourceProjects, rbac.ActionRead), h.listProjects)
	authed.GET("/projects/:id", rbac.Require(rbac.ResourceProjects, rbac.ActionRead), h.getProject)
	authed.POST("/projects/:id/status", rbac.Require(rbac.ResourceProjects, rbac.ActionUpdate), h.updateProjectStatus)
	authed.POST("/projects/:id/assign", rbac.Require(rbac.ResourceProjects, rbac.ActionAssign), h.assignProject)
	authed.DELETE("/projects/:id", rbac.Require(rbac.ResourceProjects, rbac.ActionDelete), h.deleteProject)
	authed.GET("/projects/:id/sessions", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionRead), h.listProjectSessions)

	authed.POST("/knowledge", rbac.Require(rbac.ResourceKnowledge, rbac.ActionCreate), h.submitKnowledge)
	authed.GET("/knowledge", rbac.Require(rbac.ResourceKnowledge, rbac.ActionRead), h.listKnowledge)
	authed.POST("/knowledge/:id/review", rbac.Require(rbac.ResourceKnowledge, rbac.ActionCurate), h.reviewKnowledge)
	authed.DELETE("/knowledge/:id", rbac.Require(rbac.ResourceKnowledge, rbac.ActionCurate), h.deleteKnowledge)

	diag := authed.Group("/diagnostics")
	diag.POST("/start", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionGenerate), h.startDiagnostic)
	sessions := diag.Group("/sessions/:session_id")
	sessions.GET("", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionRead), h.getSessionMessages)
	sessions.DELETE("", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionGenerate), h.deleteSession)
	sessions.POST("/message", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionGenerate), h.sendMessage)
	sessions.POST("/voice/start", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionGenerate), h.startRecording)
	sessions.POST("/voice/chunk", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionGenerate), h.pushAudioChunk)
	sessions.POST("/voice/stop", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionGenerate), h.stopRecording)
	sessions.POST("/image", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionGenerate), h.analyzeImage)
	sessions.POST("/speak", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionRead), h.speakMessage)
	sessions.POST("/voice-settings", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionRead), h.updateVoiceSettings)
	sessions.POST("/feedback", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionRead), h.rateMessage)
	sessions.POST("/feedback/comment", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionRead), h.submitFeedbackComment)
	sessions.POST("/attachments", rbac.Require(rbac.ResourceDiagnostics, rbac.ActionGenerate), h.uploadAttachment)

	authed.POST("/attachments/:id/link", h.linkAttachment)
	api.GET("/attachments/download", h.downloadAttachment)
}

// User create&login interface
type credentialsRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Role        string `json:"role"`
	CompanyName string `json:"company_name"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	role := models.Role(strings.TrimSpace(req.Role))
	if role == "" {
		role = models.RoleTechnician
	}
	companyID, err := h.fleet.EnsureCompany(c.Request.Context(), req.CompanyName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.fleet.RegisterUser(c.Request.Context(), req.Username, req.Password, role, companyID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"role":       user.Role,
		"company_id": user.CompanyID,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.fleet.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"role":       user.Role,
		"company_id": user.CompanyID,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	h.workers.CancelUser(actor.UserID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), actor.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.CancelUser(actor.UserID)
	if err := h.fleet.DeleteUser(c.Request.Context(), actor.UserID); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

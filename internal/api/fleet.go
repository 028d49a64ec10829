package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fleetdiag/internal/models"
)

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

type truckRequest struct {
	VIN         string `json:"vin"`
	Year        int    `json:"year"`
	Make        string `json:"make"`
	Model       string `json:"model"`
	EngineModel string `json:"engine_model"`
	Mileage     int64  `json:"mileage"`
}

func (h *Handler) createTruck(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	var req truckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	truck, err := h.fleet.CreateTruck(c.Request.Context(), models.Truck{
		CompanyID:   actor.CompanyID,
		VIN:         req.VIN,
		Year:        req.Year,
		Make:        req.Make,
		Model:       req.Model,
		EngineModel: req.EngineModel,
		Mileage:     req.Mileage,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, truck)
}

func (h *Handler) listTrucks(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	trucks, err := h.fleet.ListTrucks(c.Request.Context(), scopeCompany(actor))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if trucks == nil {
		trucks = make([]models.Truck, 0)
	}
	c.JSON(http.StatusOK, gin.H{"trucks": trucks})
}

func (h *Handler) getTruck(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	truck, err := h.fleet.GetTruck(c.Request.Context(), id, scopeCompany(actor))
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "truck not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, truck)
}

func (h *Handler) updateTruck(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req truckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.fleet.UpdateTruck(c.Request.Context(), models.Truck{
		ID:          id,
		VIN:         req.VIN,
		Year:        req.Year,
		Make:        req.Make,
		Model:       req.Model,
		EngineModel: req.EngineModel,
		Mileage:     req.Mileage,
	}, scopeCompany(actor))
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "truck not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteTruck(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.fleet.DeleteTruck(c.Request.Context(), id, scopeCompany(actor)); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "truck not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type projectRequest struct {
	TruckID    int64    `json:"truck_id"`
	Title      string   `json:"title"`
	Complaint  string   `json:"complaint"`
	FaultCodes []string `json:"fault_codes"`
}

func (h *Handler) createProject(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	// the truck must be visible to the actor
	if _, err := h.fleet.GetTruck(c.Request.Context(), req.TruckID, scopeCompany(actor)); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "truck not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	project, err := h.fleet.CreateProject(c.Request.Context(), models.Project{
		CompanyID:  actor.CompanyID,
		TruckID:    req.TruckID,
		Title:      req.Title,
		Complaint:  req.Complaint,
		FaultCodes: req.FaultCodes,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (h *Handler) listProjects(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	projects, err := h.fleet.ListProjects(c.Request.Context(), scopeCompany(actor))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if projects == nil {
		projects = make([]models.Project, 0)
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *Handler) getProject(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	project, err := h.fleet.GetProject(c.Request.Context(), id, scopeCompany(actor))
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *Handler) updateProjectStatus(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.fleet.UpdateProjectStatus(c.Request.Context(), id, scopeCompany(actor), models.ProjectStatus(req.Status))
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) assignProject(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.fleet.AssignProject(c.Request.Context(), id, scopeCompany(actor), req.UserID)
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteProject(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.fleet.DeleteProject(c.Request.Context(), id, scopeCompany(actor)); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listProjectSessions(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.fleet.GetProject(c.Request.Context(), id, scopeCompany(actor)); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sessions, err := h.fleet.ListSessionsByProject(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type knowledgeRequest struct {
	Title   string `json:"title"`
	System  string `json:"system"`
	Content string `json:"content"`
}

func (h *Handler) submitKnowledge(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	var req knowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	entry, err := h.fleet.SubmitKnowledge(c.Request.Context(), models.Knowledge{
		CompanyID: actor.CompanyID,
		AuthorID:  actor.UserID,
		Title:     req.Title,
		System:    req.System,
		Content:   req.Content,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *Handler) listKnowledge(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	status := models.KnowledgeStatus(c.Query("status"))
	entries, err := h.fleet.ListKnowledge(c.Request.Context(), scopeCompany(actor), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = make([]models.Knowledge, 0)
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) reviewKnowledge(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.fleet.ReviewKnowledge(c.Request.Context(), id, scopeCompany(actor), models.KnowledgeStatus(req.Status))
	if err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "knowledge entry not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteKnowledge(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.fleet.DeleteKnowledge(c.Request.Context(), id, scopeCompany(actor)); err != nil {
		if isNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "knowledge entry not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

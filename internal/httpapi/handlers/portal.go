package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/clientdesk/portal/internal/common"
	"github.com/clientdesk/portal/internal/portal"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func paramID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

func queryID(c *gin.Context, name string) uint64 {
	id, _ := strconv.ParseUint(c.Query(name), 10, 64)
	return id
}

type createCompanyReq struct {
	Name    string `json:"name" binding:"required,max=255"`
	Website string `json:"website" binding:"max=255"`
}

func (h *Handler) CreateCompany(c *gin.Context) {
	var req createCompanyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "name required")
		return
	}

	company := &portal.Company{Name: req.Name, Website: req.Website}
	if err := h.Portal.CreateCompany(c.Request.Context(), company); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create company")
		return
	}
	common.OK(c, company)
}

func (h *Handler) GetCompany(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid company id")
		return
	}

	company, err := h.Portal.GetCompany(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "company not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, company)
}

func (h *Handler) ListCompanies(c *gin.Context) {
	companies, err := h.Portal.ListCompanies(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{"companies": companies})
}

type createProjectReq struct {
	CompanyID   uint64 `json:"companyId" binding:"required"`
	Name        string `json:"name" binding:"required,max=255"`
	Description string `json:"description"`
}

func (h *Handler) CreateProject(c *gin.Context) {
	var req createProjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "companyId and name required")
		return
	}

	project := &portal.Project{
		CompanyID:   req.CompanyID,
		Name:        req.Name,
		Description: req.Description,
		Status:      "active",
	}
	if err := h.Portal.CreateProject(c.Request.Context(), project); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create project")
		return
	}
	common.OK(c, project)
}

func (h *Handler) GetProject(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid project id")
		return
	}

	project, err := h.Portal.GetProject(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40404, "project not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, project)
}

func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.Portal.ListProjects(c.Request.Context(), queryID(c, "companyId"))
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{"projects": projects})
}

type createMilestoneReq struct {
	Title   string     `json:"title" binding:"required,max=255"`
	DueDate *time.Time `json:"dueDate"`
}

func (h *Handler) CreateMilestone(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid project id")
		return
	}

	var req createMilestoneReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "title required")
		return
	}

	m := &portal.Milestone{ProjectID: projectID, Title: req.Title, DueDate: req.DueDate}
	if err := h.Portal.CreateMilestone(c.Request.Context(), m); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create milestone")
		return
	}
	common.OK(c, m)
}

func (h *Handler) ListMilestones(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid project id")
		return
	}

	milestones, err := h.Portal.ListMilestones(c.Request.Context(), projectID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{"milestones": milestones})
}

type createEventReq struct {
	Title    string     `json:"title" binding:"required,max=255"`
	Location string     `json:"location" binding:"max=255"`
	StartsAt time.Time  `json:"startsAt" binding:"required"`
	EndsAt   *time.Time `json:"endsAt"`
}

func (h *Handler) CreateEvent(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid project id")
		return
	}

	var req createEventReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "title and startsAt required")
		return
	}

	e := &portal.Event{
		ProjectID: projectID,
		Title:     req.Title,
		Location:  req.Location,
		StartsAt:  req.StartsAt,
		EndsAt:    req.EndsAt,
	}
	if err := h.Portal.CreateEvent(c.Request.Context(), e); err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create event")
		return
	}
	common.OK(c, e)
}

func (h *Handler) ListEvents(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid project id")
		return
	}

	events, err := h.Portal.ListEvents(c.Request.Context(), projectID)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{"events": events})
}

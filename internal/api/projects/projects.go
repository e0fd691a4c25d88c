// Package projects implements the project CRUD handlers. Projects group
// licenses under an owning user and carry the target runtime used when
// protection wrappers are generated for the project's builds.
package projects

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codevault/codevault/internal/db/models"
	"github.com/codevault/codevault/internal/db/repositories"
	"github.com/codevault/codevault/internal/entitlement"
	"github.com/codevault/codevault/internal/middleware"
)

// Handlers handles project endpoints
type Handlers struct {
	projects *repositories.ProjectRepository
	gate     *entitlement.Gate
}

// NewHandlers creates project handlers
func NewHandlers(projects *repositories.ProjectRepository, gate *entitlement.Gate) *Handlers {
	return &Handlers{projects: projects, gate: gate}
}

// CreateProjectRequest is the body of POST /api/v1/projects
type CreateProjectRequest struct {
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
	Language    string  `json:"language" binding:"omitempty,oneof=python nodejs"`
}

// UpdateProjectRequest is the body of PUT /api/v1/projects/:id
type UpdateProjectRequest struct {
	Name        string  `json:"name" binding:"required"`
	Description *string `json:"description"`
	Language    string  `json:"language" binding:"omitempty,oneof=python nodejs"`
}

// @Summary      List projects
// @Tags         Projects
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/projects [get]
func (h *Handlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		list, err := h.projects.ListProjectsByUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list projects"})
			return
		}

		resp := make([]gin.H, 0, len(list))
		for _, p := range list {
			resp = append(resp, projectJSON(p))
		}
		c.JSON(http.StatusOK, gin.H{"projects": resp})
	}
}

// @Summary      Create project
// @Description  Create a project. The caller's plan tier caps how many projects one account can hold.
// @Tags         Projects
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      201  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "project quota reached"
// @Router       /api/v1/projects [post]
func (h *Handlers) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		var req CreateProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		count, err := h.projects.CountProjectsByUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check project quota"})
			return
		}
		if err := h.gate.CheckProjectQuota(c.Request.Context(), userID, count); err != nil {
			var limitErr *entitlement.LimitError
			if errors.As(err, &limitErr) {
				c.JSON(http.StatusForbidden, gin.H{
					"error": limitErr.Error(),
					"limit": limitErr.Limit,
					"tier":  limitErr.Tier,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check project quota"})
			return
		}

		project := &models.Project{
			UserID:      userID,
			Name:        req.Name,
			Description: req.Description,
			Language:    req.Language,
		}
		if err := h.projects.CreateProject(c.Request.Context(), project); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create project"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{"project": projectJSON(project)})
	}
}

// @Summary      Get project
// @Tags         Projects
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}
// @Router       /api/v1/projects/{id} [get]
func (h *Handlers) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := h.ownedProject(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"project": projectJSON(project)})
	}
}

// @Summary      Update project
// @Tags         Projects
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/projects/{id} [put]
func (h *Handlers) Update() gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := h.ownedProject(c)
		if !ok {
			return
		}

		var req UpdateProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		project.Name = req.Name
		project.Description = req.Description
		if req.Language != "" {
			project.Language = req.Language
		}

		if err := h.projects.UpdateProject(c.Request.Context(), project); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update project"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"project": projectJSON(project)})
	}
}

// @Summary      Delete project
// @Description  Delete a project. Licenses under the project (and their bindings) are removed by cascade.
// @Tags         Projects
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/projects/{id} [delete]
func (h *Handlers) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := h.ownedProject(c)
		if !ok {
			return
		}

		if err := h.projects.DeleteProject(c.Request.Context(), project.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete project"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

// ownedProject loads the :id project and enforces owner scoping. A project
// owned by someone else is reported as 404, not 403, so project IDs are not
// enumerable.
func (h *Handlers) ownedProject(c *gin.Context) (*models.Project, bool) {
	userID := c.GetString(middleware.UserIDKey)

	project, err := h.projects.GetProjectByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load project"})
		return nil, false
	}
	if project == nil || project.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
		return nil, false
	}
	return project, true
}

func projectJSON(p *models.Project) gin.H {
	return gin.H{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"language":    p.Language,
		"created_at":  p.CreatedAt.Format(time.RFC3339),
		"updated_at":  p.UpdatedAt.Format(time.RFC3339),
	}
}

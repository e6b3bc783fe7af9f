package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/expert-marketplace/internal/domain/valueobject"
	"github.com/ignatzorin/expert-marketplace/internal/http/handlers/common"
	"github.com/ignatzorin/expert-marketplace/internal/interface/http/response"
	"github.com/ignatzorin/expert-marketplace/internal/models"
	"github.com/ignatzorin/expert-marketplace/internal/pkg/apperror"
	"github.com/ignatzorin/expert-marketplace/internal/service"
)

// ProjectUseCases операции жизненного цикла проекта.
type ProjectUseCases interface {
	CreateProject(ctx context.Context, actor service.Actor, in service.CreateProjectInput) (*models.Project, error)
	GetProject(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, actor service.Actor, status *valueobject.ProjectStatus, limit, offset int) ([]models.Project, error)
	Accept(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Project, error)
	Start(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Project, error)
	Deliver(ctx context.Context, actor service.Actor, id uuid.UUID, message string) (*models.Project, error)
	RequestRevision(ctx context.Context, actor service.Actor, id uuid.UUID, feedback string) (*models.Project, error)
	Complete(ctx context.Context, actor service.Actor, id uuid.UUID) (*models.Project, error)
	Cancel(ctx context.Context, actor service.Actor, id uuid.UUID, reason string) (*models.Project, error)
	OpenDispute(ctx context.Context, actor service.Actor, id uuid.UUID, reason string) (*models.Project, error)
	Transition(ctx context.Context, actor service.Actor, id uuid.UUID, target valueobject.ProjectStatus, note string) (*models.Project, error)
}

// ProjectHandler маршруты /projects.
type ProjectHandler struct {
	projects ProjectUseCases
}

func NewProjectHandler(projects ProjectUseCases) *ProjectHandler {
	return &ProjectHandler{projects: projects}
}

type createProjectRequest struct {
	ExpertID     uuid.UUID  `json:"expert_id" binding:"required"`
	ServiceID    *uuid.UUID `json:"service_id"`
	PackageTier  *string    `json:"package_tier"`
	Title        string     `json:"title" binding:"required"`
	Requirements *string    `json:"requirements"`
	Price        int64      `json:"price"`
	Currency     string     `json:"currency"`
}

type noteRequest struct {
	Message  string `json:"message"`
	Feedback string `json:"feedback"`
	Reason   string `json:"reason"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

// Create обрабатывает POST /projects.
func (h *ProjectHandler) Create(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	var req createProjectRequest
	if err := common.BindJSON(c, &req); err != nil {
		common.Fail(c, err)
		return
	}

	project, err := h.projects.CreateProject(c.Request.Context(), actor, service.CreateProjectInput{
		ExpertID:     req.ExpertID,
		ServiceID:    req.ServiceID,
		PackageTier:  req.PackageTier,
		Title:        req.Title,
		Requirements: req.Requirements,
		Price:        req.Price,
		Currency:     req.Currency,
	})
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Created(c, project)
}

// List обрабатывает GET /projects?status=&limit=&offset=.
func (h *ProjectHandler) List(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}

	var status *valueobject.ProjectStatus
	if raw := c.Query("status"); raw != "" {
		s := valueobject.ProjectStatus(raw)
		if !s.IsValid() {
			common.Fail(c, apperror.New(apperror.ErrCodeValidation, "неизвестный статус проекта: "+raw))
			return
		}
		status = &s
	}

	limit, offset := common.GetPagination(c)
	projects, err := h.projects.ListProjects(c.Request.Context(), actor, status, limit, offset)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Paginated(c, projects, len(projects), limit, offset)
}

// Get обрабатывает GET /projects/:id.
func (h *ProjectHandler) Get(c *gin.Context) {
	h.act(c, func(ctx context.Context, actor service.Actor, id uuid.UUID, _ noteRequest) (*models.Project, error) {
		return h.projects.GetProject(ctx, actor, id)
	})
}

func (h *ProjectHandler) Accept(c *gin.Context) {
	h.act(c, func(ctx context.Context, actor service.Actor, id uuid.UUID, _ noteRequest) (*models.Project, error) {
		return h.projects.Accept(ctx, actor, id)
	})
}

func (h *ProjectHandler) Start(c *gin.Context) {
	h.act(c, func(ctx context.Context, actor service.Actor, id uuid.UUID, _ noteRequest) (*models.Project, error) {
		return h.projects.Start(ctx, actor, id)
	})
}

func (h *ProjectHandler) Deliver(c *gin.Context) {
	h.act(c, func(ctx context.Context, actor service.Actor, id uuid.UUID, body noteRequest) (*models.Project, error) {
		return h.projects.Deliver(ctx, actor, id, body.Message)
	})
}

func (h *ProjectHandler) RequestRevision(c *gin.Context) {
	h.act(c, func(ctx context.Context, actor service.Actor, id uuid.UUID, body noteRequest) (*models.Project, error) {
		return h.projects.RequestRevision(ctx, actor, id, body.Feedback)
	})
}

func (h *ProjectHandler) Complete(c *gin.Context) {
	h.act(c, func(ctx context.Context, actor service.Actor, id uuid.UUID, _ noteRequest) (*models.Project, error) {
		return h.projects.Complete(ctx, actor, id)
	})
}

func (h *ProjectHandler) Cancel(c *gin.Context) {
	h.act(c, func(ctx context.Context, actor service.Actor, id uuid.UUID, body noteRequest) (*models.Project, error) {
		return h.projects.Cancel(ctx, actor, id, body.Reason)
	})
}

func (h *ProjectHandler) Dispute(c *gin.Context) {
	h.act(c, func(ctx context.Context, actor service.Actor, id uuid.UUID, body noteRequest) (*models.Project, error) {
		return h.projects.OpenDispute(ctx, actor, id, body.Reason)
	})
}

// UpdateStatus обрабатывает PUT /projects/:id/status.
func (h *ProjectHandler) UpdateStatus(c *gin.Context) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}
	id, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	var req statusRequest
	if err := common.BindJSON(c, &req); err != nil {
		common.Fail(c, err)
		return
	}

	project, err := h.projects.Transition(c.Request.Context(), actor, id, valueobject.ProjectStatus(req.Status), req.Note)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Success(c, project)
}

type projectAction func(ctx context.Context, actor service.Actor, id uuid.UUID, body noteRequest) (*models.Project, error)

// act общий путь именованных переходов: актор, id из пути, необязательное тело.
func (h *ProjectHandler) act(c *gin.Context, fn projectAction) {
	actor, err := common.CurrentActor(c)
	if err != nil {
		common.Fail(c, err)
		return
	}
	id, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	var body noteRequest
	if c.Request.ContentLength > 0 {
		if err := common.BindJSON(c, &body); err != nil {
			common.Fail(c, err)
			return
		}
	}

	project, err := fn(c.Request.Context(), actor, id, body)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Success(c, project)
}

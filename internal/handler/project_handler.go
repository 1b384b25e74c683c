package handler

import (
	"net/http"
	"strconv"

	"github.com/blues/microfund/internal/ledger"
	"github.com/blues/microfund/internal/reconcile"
	"github.com/gin-gonic/gin"
)

type ProjectHandler struct {
	store      *ledger.Store
	reconciler *reconcile.Reconciler
}

func NewProjectHandler(store *ledger.Store, reconciler *reconcile.Reconciler) *ProjectHandler {
	return &ProjectHandler{
		store:      store,
		reconciler: reconciler,
	}
}

// CreateProject 创建项目
func (h *ProjectHandler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	project := req.ToModel()
	if err := h.store.CreateProject(c.Request.Context(), project); err != nil {
		HandleError(c, err, nil)
		return
	}

	SuccessResponse(c, http.StatusCreated, "项目创建成功", ToProjectResponse(project))
}

// GetProjects 获取公开项目列表
func (h *ProjectHandler) GetProjects(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	projects, total, err := h.store.ListPublicProjects(c.Request.Context(), page, pageSize)
	if err != nil {
		HandleError(c, err, nil)
		return
	}

	SuccessResponse(c, http.StatusOK, "获取项目列表成功", GetProjectsResponse{
		Projects:   ToProjectResponseList(projects),
		Pagination: newPagination(page, pageSize, total),
	})
}

// GetProject 获取单个项目详情
func (h *ProjectHandler) GetProject(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	project, err := h.store.GetProject(c.Request.Context(), id)
	if err != nil {
		HandleError(c, err, nil)
		return
	}

	SuccessResponse(c, http.StatusOK, "获取项目详情成功", ToProjectResponse(project))
}

// GetProjectInvestments 获取项目投资记录
func (h *ProjectHandler) GetProjectInvestments(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	records, total, err := h.store.ListInvestments(c.Request.Context(), id, page, pageSize)
	if err != nil {
		HandleError(c, err, nil)
		return
	}

	SuccessResponse(c, http.StatusOK, "获取项目投资记录成功", GetInvestmentsResponse{
		Records:    ToInvestmentRecordResponseList(records),
		Pagination: newPagination(page, pageSize, total),
	})
}

// GetProjectView 获取账本与结算层合并后的项目视图
func (h *ProjectHandler) GetProjectView(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	view, err := h.reconciler.MergeView(c.Request.Context(), id)
	if err != nil {
		HandleError(c, err, nil)
		return
	}

	SuccessResponse(c, http.StatusOK, "获取项目视图成功", view)
}

// ReconcileProject 按投资记录重算项目聚合数据
func (h *ProjectHandler) ReconcileProject(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	agg, err := h.reconciler.Repair(c.Request.Context(), id)
	if err != nil {
		HandleError(c, err, nil)
		return
	}

	SuccessResponse(c, http.StatusOK, "项目数据已重算", gin.H{
		"projectId":     agg.ProjectID,
		"raisedAmount":  agg.Raised,
		"raisedBase":    ledger.FormatBase(agg.RaisedBase),
		"percentage":    agg.Percentage(),
		"investorCount": agg.InvestorCount,
		"status":        agg.Status,
	})
}

// projectID 解析路径中的项目ID，失败时已写入响应
func projectID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		ErrorResponse(c, http.StatusBadRequest, "无效的项目ID")
		return 0, false
	}
	return id, true
}

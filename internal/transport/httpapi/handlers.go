package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"botrunner/internal/storage"
	"botrunner/internal/task"
	"botrunner/internal/task/registry"
	logx "botrunner/pkg/logx"
)

type handlers struct {
	ops Operations
	log logx.Logger
}

func (h *handlers) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		h.log.Warn("request failed", logx.String("method", c.Request.Method), logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

func (h *handlers) health(c *gin.Context) {
	hl := h.ops.Health(c.Request.Context())
	code := http.StatusOK
	if !hl.OK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, hl)
}

func (h *handlers) overview(c *gin.Context) {
	ov, err := h.ops.Overview(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

func (h *handlers) deploy(c *gin.Context) {
	var def registry.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		badRequest(c, "invalid task definition: "+err.Error())
		return
	}
	t, created, err := h.ops.Deploy(c.Request.Context(), def)
	if err != nil {
		h.fail(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{"task": registry.FromTask(t), "created": created})
}

func (h *handlers) reload(c *gin.Context) {
	diff, err := h.ops.Reload(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

func (h *handlers) run(c *gin.Context) {
	name := c.Param("name")
	id, err := h.ops.TriggerNow(c.Request.Context(), name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": name, "run_id": id})
}

func (h *handlers) enable(c *gin.Context) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		badRequest(c, `body must be {"enabled": true|false}`)
		return
	}
	t, err := h.ops.SetEnabled(c.Request.Context(), c.Param("name"), *body.Enabled)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t.Name, "enabled": t.Enabled})
}

func (h *handlers) deleteTask(c *gin.Context) {
	name := c.Param("name")
	if err := h.ops.DeleteTask(c.Request.Context(), name); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

func (h *handlers) listRuns(c *gin.Context) {
	f := storage.Filter{
		TaskName: strings.TrimSpace(c.Query("task")),
		Status:   task.RunStatus(strings.TrimSpace(c.Query("status"))),
	}
	var err error
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		badRequest(c, err.Error())
		return
	}
	if f.Offset, err = queryInt(c, "offset"); err != nil {
		badRequest(c, err.Error())
		return
	}
	page, err := h.ops.ListRuns(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := runPageView{Runs: make([]runView, 0, len(page.Runs)), Total: page.Total, Limit: page.Limit, Offset: page.Offset}
	for _, r := range page.Runs {
		out.Runs = append(out.Runs, viewRun(r))
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) getRun(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	r, err := h.ops.GetRun(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewRun(r))
}

func (h *handlers) deleteRun(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}
	if err := h.ops.DeleteRun(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *handlers) clearRuns(c *gin.Context) {
	n, err := h.ops.ClearRuns(c.Request.Context(), strings.TrimSpace(c.Query("task")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func runID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid run id")
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

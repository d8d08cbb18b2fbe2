package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	apperrors "insight/internal/errors"
	"insight/internal/server/app"
	"insight/internal/server/ports"
	"insight/internal/shared/logging"
	"insight/internal/simulation"
)

const (
	defaultTailSize = 20
	maxTailSize     = 1000
)

type handler struct {
	coordinator *app.RunCoordinator
	health      *app.HealthCheckerImpl
	bus         BusControl
	ledger      LedgerReader
	logger      logging.Logger
	tracer      trace.Tracer
	upgrader    websocket.Upgrader
}

// simulate accepts a run request. An empty body runs with the defaults.
func (h *handler) simulate(c *gin.Context) {
	req := simulation.DefaultRequest()
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.abortWithError(c, apperrors.NewValidationError(map[string]string{"body": err.Error()}))
		return
	}
	job, err := h.coordinator.Submit(c.Request.Context(), req)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": job.ID})
}

func (h *handler) results(c *gin.Context) {
	h.writeResults(c, c.Param("id"))
}

func (h *handler) latestResults(c *gin.Context) {
	job, err := h.coordinator.Store().Latest(c.Request.Context())
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	h.writeResults(c, job.ID)
}

func (h *handler) writeResults(c *gin.Context, id string) {
	view, err := h.coordinator.Store().GetResults(c.Request.Context(), id)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	switch {
	case !view.Ready:
		c.JSON(http.StatusAccepted, gin.H{"id": view.ID, "status": view.Status})
	case view.Status == ports.JobStatusFailed:
		c.JSON(http.StatusOK, gin.H{"id": view.ID, "status": view.Status, "error": view.Error})
	default:
		population := view.Population
		if population == nil {
			population = []simulation.Candidate{}
		}
		c.JSON(http.StatusOK, gin.H{
			"id":            view.ID,
			"status":        view.Status,
			"forecast":      view.Results.Forecast,
			"population":    population,
			"best_score":    view.Results.BestScore,
			"archive_mean":  view.Results.ArchiveMean,
			"lineage_depth": view.Results.LineageDepth,
		})
	}
}

func (h *handler) population(c *gin.Context) {
	id := c.Param("id")
	pop, err := h.coordinator.Store().GetPopulation(c.Request.Context(), id)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	if pop == nil {
		pop = []simulation.Candidate{}
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "population": pop})
}

type insightRequest struct {
	IDs []string `json:"ids"`
}

func (h *handler) insight(c *gin.Context) {
	var req insightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abortWithError(c, apperrors.NewValidationError(map[string]string{"body": err.Error()}))
		return
	}
	forecast, err := app.AggregateForecast(c.Request.Context(), h.coordinator.Store(), req.IDs)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"forecast": forecast})
}

type runSummary struct {
	ID        string          `json:"id"`
	Status    ports.JobStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h *handler) runs(c *gin.Context) {
	jobs, err := h.coordinator.Store().List(c.Request.Context(), 0)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	out := make([]runSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, runSummary{ID: job.ID, Status: job.Status, CreatedAt: job.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

func (h *handler) healthz(c *gin.Context) {
	body := gin.H{"status": ports.HealthStatusReady}
	if h.health != nil {
		components := h.health.CheckAll(c.Request.Context())
		body["status"] = app.Overall(components)
		body["components"] = components
	}
	if h.bus != nil {
		state := h.bus.State()
		body["bus"] = gin.H{"failures": state.Failures, "degraded": state.Degraded}
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) busReset(c *gin.Context) {
	if h.bus == nil {
		writeProblem(c, newProblem(http.StatusServiceUnavailable, "bus is not configured"))
		return
	}
	state := h.bus.Reset()
	h.logger.Info("bus reset by %s", c.ClientIP())
	c.JSON(http.StatusOK, state)
}

func (h *handler) ledgerTail(c *gin.Context) {
	if h.ledger == nil {
		writeProblem(c, newProblem(http.StatusServiceUnavailable, "ledger is not configured"))
		return
	}
	n := defaultTailSize
	if raw := c.Query("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxTailSize {
			h.abortWithError(c, apperrors.NewValidationError(map[string]string{
				"n": "must be an integer between 1 and " + strconv.Itoa(maxTailSize),
			}))
			return
		}
		n = parsed
	}
	records, err := h.ledger.Tail(c.Request.Context(), n)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bsvalues/TerraFusionMono-sub011/internal/chaos"
	"github.com/bsvalues/TerraFusionMono-sub011/internal/orchestrator"
)

// Handler serves the diagnostic and test-injection endpoints
type Handler struct {
	integration *orchestrator.Integration
	tester      *chaos.Tester
}

// NewHandler creates a handler. tester may be nil when fault injection is
// disabled.
func NewHandler(integration *orchestrator.Integration, tester *chaos.Tester) *Handler {
	return &Handler{integration: integration, tester: tester}
}

// Liveness reports whether the process is up and the integration ready
func (h *Handler) Liveness(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if !h.integration.Initialized() {
		status = "initializing"
		code = http.StatusServiceUnavailable
	}
	respond(c, code, gin.H{"status": status}, nil)
}

// SystemHealth returns every agent's health with breaker stats
func (h *Handler) SystemHealth(c *gin.Context) {
	health, err := h.integration.SystemHealth()
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, health)
}

// Diagnostic returns a full diagnostic snapshot
func (h *Handler) Diagnostic(c *gin.Context) {
	d, err := h.integration.RunDiagnostic()
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, d)
}

// OpenCircuits lists the destinations whose circuit is open
func (h *Handler) OpenCircuits(c *gin.Context) {
	open, err := h.integration.OpenCircuits()
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, open)
}

// UnhealthyAgents lists agents whose last health check failed
func (h *Handler) UnhealthyAgents(c *gin.Context) {
	agents, err := h.integration.UnhealthyAgents()
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, agents)
}

// AgentHealth returns one agent's health
func (h *Handler) AgentHealth(c *gin.Context) {
	agentID := c.Param("id")
	health, ok, err := h.integration.AgentHealth(agentID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	if !ok {
		NotFoundResponse(c, "agent "+agentID)
		return
	}
	SuccessResponse(c, health)
}

// RestartAgent restarts one agent
func (h *Handler) RestartAgent(c *gin.Context) {
	agentID := c.Param("id")
	if err := h.integration.RestartAgent(c.Request.Context(), agentID); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	health, _, _ := h.integration.AgentHealth(agentID)
	SuccessResponse(c, health)
}

// ResetCircuit force-closes one circuit
func (h *Handler) ResetCircuit(c *gin.Context) {
	key := c.Param("id")
	reset, err := h.integration.ResetCircuitBreaker(key)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	if !reset {
		NotFoundResponse(c, "circuit "+key)
		return
	}
	SuccessResponse(c, h.integration.Registry().Stats(key))
}

// TestRequest is the body of POST /tests. Durations are in milliseconds.
type TestRequest struct {
	FailureType            string  `json:"failureType" binding:"required"`
	TargetAgentID          string  `json:"targetAgentId" binding:"required"`
	FailureRate            float64 `json:"failureRate"`
	FailureCount           int     `json:"failureCount"`
	DelayBetweenFailuresMs int64   `json:"delayBetweenFailuresMs"`
	DurationMs             int64   `json:"durationMs"`
	RecoveryPeriodMs       int64   `json:"recoveryPeriodMs"`
}

func (r TestRequest) options() (chaos.TestOptions, error) {
	ft, err := chaos.ParseFailureType(r.FailureType)
	if err != nil {
		return chaos.TestOptions{}, err
	}
	return chaos.TestOptions{
		FailureType:          ft,
		TargetAgentID:        r.TargetAgentID,
		FailureRate:          r.FailureRate,
		FailureCount:         r.FailureCount,
		DelayBetweenFailures: time.Duration(r.DelayBetweenFailuresMs) * time.Millisecond,
		Duration:             time.Duration(r.DurationMs) * time.Millisecond,
		RecoveryPeriod:       time.Duration(r.RecoveryPeriodMs) * time.Millisecond,
	}, nil
}

// TestView is the API rendering of a test result
type TestView struct {
	TestID    string           `json:"testId"`
	Status    chaos.TestStatus `json:"status"`
	StartTime time.Time        `json:"startTime"`
	EndTime   *time.Time       `json:"endTime,omitempty"`
	Options   TestRequest      `json:"options"`
	Stats     chaos.TestStats  `json:"stats"`
	Logs      []chaos.LogEntry `json:"logs"`
}

func newTestView(r chaos.TestResult) TestView {
	return TestView{
		TestID:    r.TestID,
		Status:    r.Status,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Options: TestRequest{
			FailureType:            string(r.Options.FailureType),
			TargetAgentID:          r.Options.TargetAgentID,
			FailureRate:            r.Options.FailureRate,
			FailureCount:           r.Options.FailureCount,
			DelayBetweenFailuresMs: r.Options.DelayBetweenFailures.Milliseconds(),
			DurationMs:             r.Options.Duration.Milliseconds(),
			RecoveryPeriodMs:       r.Options.RecoveryPeriod.Milliseconds(),
		},
		Stats: r.Stats,
		Logs:  r.Logs,
	}
}

// RunTest starts a fault-injection test
func (h *Handler) RunTest(c *gin.Context) {
	var req TestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid request body: "+err.Error())
		return
	}

	opts, err := req.options()
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	testID, err := h.tester.RunTest(opts)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	CreatedResponse(c, gin.H{"testId": testID})
}

// ListTests returns every test result, oldest first
func (h *Handler) ListTests(c *gin.Context) {
	results := h.tester.AllTestResults()
	views := make([]TestView, len(results))
	for i, r := range results {
		views[i] = newTestView(r)
	}
	SuccessResponse(c, views)
}

// GetTest returns one test result
func (h *Handler) GetTest(c *gin.Context) {
	testID := c.Param("id")
	r, ok := h.tester.TestResult(testID)
	if !ok {
		NotFoundResponse(c, "test "+testID)
		return
	}
	SuccessResponse(c, newTestView(r))
}

// CancelTest cancels a running test
func (h *Handler) CancelTest(c *gin.Context) {
	testID := c.Param("id")
	if err := h.tester.CancelTest(testID); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	r, _ := h.tester.TestResult(testID)
	SuccessResponse(c, newTestView(r))
}

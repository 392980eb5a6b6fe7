// Package httpapi serves the engine over REST.
//
// Routes:
//
//	GET  /health
//	GET  /metrics
//	GET  /api/v1/jobs/:id/eligibility
//	POST /api/v1/jobs/:id/verification/start
//	POST /api/v1/jobs/:id/verification/submit
//	POST /api/v1/withdrawals
//	GET  /api/v1/withdrawals
//	GET  /api/v1/balance
//
// Everything under /api/v1 needs a bearer token carrying user_id and wallet.
package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tapcash/engagement-service/internal/apperr"
	"tapcash/engagement-service/internal/engine"
	"tapcash/engagement-service/internal/ledger"
	"tapcash/engagement-service/internal/money"
	"tapcash/engagement-service/internal/scoring"
)

// ─── Response types ───────────────────────────────────────────────────────────

type jobView struct {
	ID               uint64 `json:"id"`
	Creator          string `json:"creator"`
	ActionType       string `json:"actionType"`
	ContentRef       string `json:"contentRef"`
	PricePerAction   string `json:"pricePerAction"`
	MaxActions       uint64 `json:"maxActions"`
	CompletedActions uint64 `json:"completedActions"`
	Active           bool   `json:"active"`
}

type eligibilityResponse struct {
	Eligible   bool     `json:"eligible"`
	ReasonCode string   `json:"reasonCode,omitempty"`
	Message    string   `json:"message,omitempty"`
	Job        *jobView `json:"job,omitempty"`
}

type startResponse struct {
	JobID          uint64           `json:"jobId"`
	ActionType     string           `json:"actionType"`
	ContentRef     string           `json:"contentRef"`
	BaselineCounts map[string]int64 `json:"baselineCounts"`
	Instructions   string           `json:"instructions"`
	ExpiresAt      time.Time        `json:"expiresAt"`
}

type submitRequest struct {
	ClientResult *scoring.ClientAssertion `json:"clientResult"`
}

type submitResponse struct {
	Passed           bool    `json:"passed"`
	ReasonCode       string  `json:"reasonCode"`
	Message          string  `json:"message,omitempty"`
	Confidence       string  `json:"confidence"`
	Score            int     `json:"score"`
	RewardAmount     *string `json:"rewardAmount,omitempty"`
	NewEarnedBalance *string `json:"newEarnedBalance,omitempty"`
	Withdrawable     bool    `json:"withdrawable"`
	TxRef            string  `json:"txRef,omitempty"`
}

type balanceResponse struct {
	Earned       string `json:"earned"`
	Spendable    string `json:"spendable"`
	Withdrawable bool   `json:"withdrawable"`
	Threshold    string `json:"threshold"`
}

type withdrawResponse struct {
	Amount     string          `json:"amount"`
	NewBalance balanceResponse `json:"newBalance"`
	SourceRef  string          `json:"sourceRef"`
}

type withdrawalView struct {
	ID        string    `json:"id"`
	Amount    string    `json:"amount"`
	SourceRef string    `json:"sourceRef"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// ─── Handler ─────────────────────────────────────────────────────────────────

// Handler adapts engine.Service to gin.
type Handler struct {
	svc *engine.Service
	log *zap.Logger
}

// NewHandler returns a configured Handler.
func NewHandler(svc *engine.Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// Options configures the router.
type Options struct {
	JWTSecret      string
	MetricsHandler http.Handler // nil disables /metrics
	MetricsPath    string
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(h *Handler, opts Options) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(h.log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(opts.MetricsHandler))
	}

	api := router.Group("/api/v1")
	api.Use(JWTMiddleware(opts.JWTSecret))
	{
		jobs := api.Group("/jobs/:id")
		jobs.GET("/eligibility", h.eligibility)
		jobs.POST("/verification/start", h.startVerification)
		jobs.POST("/verification/submit", h.submitVerification)

		api.POST("/withdrawals", h.withdraw)
		api.GET("/withdrawals", h.listWithdrawals)
		api.GET("/balance", h.balance)
	}
	return router
}

// ─── Individual handlers ──────────────────────────────────────────────────────

func (h *Handler) eligibility(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	d, err := h.svc.Eligibility(c.Request.Context(), callerFrom(c), jobID)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := eligibilityResponse{Eligible: d.Eligible, ReasonCode: d.ReasonCode}
	if !d.Eligible {
		resp.Message = apperr.Guidance(d.ReasonCode)
	}
	if d.Job.Exists() {
		resp.Job = &jobView{
			ID:               d.Job.ID,
			Creator:          d.Job.Creator.Hex(),
			ActionType:       string(d.Job.ActionType),
			ContentRef:       d.Job.ContentRef,
			PricePerAction:   money.Format(d.Job.PricePerAction),
			MaxActions:       d.Job.MaxActions,
			CompletedActions: d.Job.CompletedActions,
			Active:           d.Job.Active,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) startVerification(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	res, err := h.svc.StartVerification(c.Request.Context(), callerFrom(c), jobID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, startResponse{
		JobID:          res.JobID,
		ActionType:     string(res.ActionType),
		ContentRef:     res.ContentRef,
		BaselineCounts: res.BaselineCounts,
		Instructions:   res.Instructions,
		ExpiresAt:      res.ExpiresAt,
	})
}

func (h *Handler) submitVerification(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	// The body is optional; an empty one, chunked or not, means no client result.
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	res, err := h.svc.SubmitVerification(c.Request.Context(), callerFrom(c), jobID, req.ClientResult)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := submitResponse{
		Passed:       res.Passed,
		ReasonCode:   res.ReasonCode,
		Confidence:   string(res.Confidence),
		Score:        res.Score,
		Withdrawable: res.Withdrawable,
		TxRef:        res.TxRef,
	}
	if !res.Passed {
		resp.Message = apperr.Guidance(res.ReasonCode)
	}
	if res.RewardAmount != nil {
		s := money.Format(*res.RewardAmount)
		resp.RewardAmount = &s
	}
	if res.NewEarnedBalance != nil {
		s := money.Format(*res.NewEarnedBalance)
		resp.NewEarnedBalance = &s
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) withdraw(c *gin.Context) {
	res, err := h.svc.Withdraw(c.Request.Context(), callerFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawResponse{
		Amount:     money.Format(res.Amount),
		NewBalance: h.balanceView(res.NewBalance),
		SourceRef:  res.SourceRef,
	})
}

func (h *Handler) listWithdrawals(c *gin.Context) {
	txs, err := h.svc.Withdrawals(c.Request.Context(), callerFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]withdrawalView, 0, len(txs))
	for _, t := range txs {
		out = append(out, withdrawalView{
			ID:        t.ID,
			Amount:    money.Format(t.Amount),
			SourceRef: t.SourceRef,
			Status:    string(t.Status),
			CreatedAt: t.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) balance(c *gin.Context) {
	bal, err := h.svc.Balance(c.Request.Context(), callerFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.balanceView(bal))
}

func (h *Handler) balanceView(b ledger.Balance) balanceResponse {
	return balanceResponse{
		Earned:       money.Format(b.Earned),
		Spendable:    money.Format(b.Spendable),
		Withdrawable: b.Withdrawable,
		Threshold:    money.Format(h.svc.Threshold()),
	}
}

func parseJobID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job id must be a positive integer"})
		return 0, false
	}
	return id, true
}

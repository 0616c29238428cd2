package handler

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/dvalera/taquilla-pos/internal/model"
	"github.com/dvalera/taquilla-pos/internal/queue"
	"github.com/dvalera/taquilla-pos/internal/service"
	queue_publisher "github.com/dvalera/taquilla-pos/internal/service/queue_publisher"
)

// PricingHandler exposes the stage engine: quotes, sale attribution,
// releases, manual advancement and stage configuration.
type PricingHandler struct {
	Engine *service.Engine
}

// NewPricingHandler constructs a PricingHandler.
func NewPricingHandler(engine *service.Engine) *PricingHandler {
	if engine == nil {
		panic("nil engine passed to NewPricingHandler")
	}
	return &PricingHandler{Engine: engine}
}

func scopeParam(c echo.Context) (string, bool) {
	scope := c.Param("scope")
	return scope, scope != ""
}

// Quote handles GET /v1/scopes/:scope/price/quote?base=25.00&row=B.
// Quotes are reads and may be served from the stage cache; the final
// price at sale time is computed again by Attribute.
func (h *PricingHandler) Quote(c echo.Context) error {
	scopeID, ok := scopeParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid scope id"})
	}
	base, err := decimal.NewFromString(c.QueryParam("base"))
	if err != nil || base.IsNegative() {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "base must be a non-negative decimal"})
	}
	quote, err := h.Engine.QuotePrice(c.Request().Context(), scopeID, base, c.QueryParam("row"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, quote)
}

// ActiveStage handles GET /v1/scopes/:scope/price/stage.  Resolving the
// active stage commits any transition whose date already passed, so this
// endpoint doubles as the scope's lazy clock tick.
func (h *PricingHandler) ActiveStage(c echo.Context) error {
	scopeID, ok := scopeParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid scope id"})
	}
	var stage *model.PriceStage
	err := withContentionRetry(func() error {
		s, err := h.Engine.ActiveStage(c.Request().Context(), scopeID)
		if err != nil {
			return err
		}
		stage = s
		return nil
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, stage)
}

// Attribute handles POST /v1/scopes/:scope/price/attributions.  A sale
// that exceeds the current stage's remaining quota is split across
// stages; the response lists every slice and every transition committed.
func (h *PricingHandler) Attribute(c echo.Context) error {
	scopeID, ok := scopeParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid scope id"})
	}
	var body struct {
		Quantity int64 `json:"quantity"`
	}
	if err := c.Bind(&body); err != nil || body.Quantity <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "quantity must be a positive integer"})
	}
	ctx := c.Request().Context()
	var result *service.Attribution
	err := withContentionRetry(func() error {
		r, err := h.Engine.AttributeSale(ctx, scopeID, body.Quantity)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return respondError(c, err)
	}
	for i := range result.Transitions {
		publishTransition(ctx, &result.Transitions[i])
	}
	return c.JSON(http.StatusCreated, result)
}

// Release handles POST /v1/scopes/:scope/price/releases, the
// compensating decrement for refunds.  The release never moves the scope
// back to an earlier stage.
func (h *PricingHandler) Release(c echo.Context) error {
	scopeID, ok := scopeParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid scope id"})
	}
	var body struct {
		StageID  uint64 `json:"stage_id"`
		Quantity int64  `json:"quantity"`
	}
	if err := c.Bind(&body); err != nil || body.StageID == 0 || body.Quantity <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "stage_id and a positive quantity are required"})
	}
	err := withContentionRetry(func() error {
		return h.Engine.ReleaseAttribution(c.Request().Context(), scopeID, body.StageID, body.Quantity)
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"released": body.Quantity, "stage_id": body.StageID})
}

// Advance handles POST /v1/scopes/:scope/price/advance: an operator
// closes the current stage ahead of its date or quota.
func (h *PricingHandler) Advance(c echo.Context) error {
	scopeID, ok := scopeParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid scope id"})
	}
	ctx := c.Request().Context()
	var tr *model.StageTransition
	err := withContentionRetry(func() error {
		t, err := h.Engine.Advance(ctx, scopeID)
		if err != nil {
			return err
		}
		tr = t
		return nil
	})
	if err != nil {
		return respondError(c, err)
	}
	publishTransition(ctx, tr)
	return c.JSON(http.StatusOK, tr)
}

// Stages handles GET /v1/scopes/:scope/price/stages.
func (h *PricingHandler) Stages(c echo.Context) error {
	scopeID, ok := scopeParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid scope id"})
	}
	stages, err := h.Engine.Stages(c.Request().Context(), scopeID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"stages": stages})
}

// CreateStage handles POST /v1/scopes/:scope/price/stages.
func (h *PricingHandler) CreateStage(c echo.Context) error {
	scopeID, ok := scopeParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid scope id"})
	}
	var body struct {
		Ordinal       int    `json:"ordinal"`
		StartAt       string `json:"start_at"`
		EndAt         string `json:"end_at"`
		QuantityLimit *int64 `json:"quantity_limit"`
		ModifierType  string `json:"modifier_type"`
		ModifierValue string `json:"modifier_value"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	value, err := decimal.NewFromString(body.ModifierValue)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "modifier_value must be a decimal"})
	}
	stage := model.PriceStage{
		ScopeID:       scopeID,
		Ordinal:       body.Ordinal,
		QuantityLimit: body.QuantityLimit,
		ModifierType:  body.ModifierType,
		ModifierValue: value,
	}
	if body.StartAt != "" {
		t, err := time.Parse(time.RFC3339, body.StartAt)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "start_at must be RFC3339"})
		}
		stage.StartAt = &t
	}
	if body.EndAt != "" {
		t, err := time.Parse(time.RFC3339, body.EndAt)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "end_at must be RFC3339"})
		}
		stage.EndAt = &t
	}
	err = withContentionRetry(func() error {
		return h.Engine.ConfigureStage(c.Request().Context(), &stage)
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, stage)
}

// DisableStage handles DELETE /v1/scopes/:scope/price/stages/:stage.
// Disabling is soft: the stage stops participating in resolution but its
// sales counters and transition history remain.
func (h *PricingHandler) DisableStage(c echo.Context) error {
	scopeID, ok := scopeParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid scope id"})
	}
	stageID, err := strconv.ParseUint(c.Param("stage"), 10, 64)
	if err != nil || stageID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid stage id"})
	}
	if err := h.Engine.DisableStage(c.Request().Context(), scopeID, stageID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"disabled": stageID})
}

// SetRowMarkup handles PUT /v1/scopes/:scope/price/rows/:row.
func (h *PricingHandler) SetRowMarkup(c echo.Context) error {
	scopeID, ok := scopeParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid scope id"})
	}
	row := c.Param("row")
	if row == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid row"})
	}
	var body struct {
		Percent string `json:"percent"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	pct, err := decimal.NewFromString(body.Percent)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "percent must be a decimal"})
	}
	if err := h.Engine.SetRowMarkup(c.Request().Context(), scopeID, row, pct); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"row": row, "percent": pct})
}

// Transitions handles GET /v1/scopes/:scope/price/transitions, the
// scope's append-only audit trail.
func (h *PricingHandler) Transitions(c echo.Context) error {
	scopeID, ok := scopeParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid scope id"})
	}
	trail, err := h.Engine.TransitionLog(c.Request().Context(), scopeID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"transitions": trail})
}

func publishTransition(ctx context.Context, tr *model.StageTransition) {
	if tr == nil {
		return
	}
	ev := queue.StageTransitionedEvent{
		ScopeID:     tr.ScopeID,
		FromStageID: tr.FromStageID,
		ToStageID:   tr.ToStageID,
		Trigger:     tr.Trigger,
		OccurredAt:  tr.OccurredAt.UTC().Format(time.RFC3339),
	}
	if err := queue_publisher.PublishStageTransitioned(ctx, ev); err != nil {
		log.Printf("pricing: publish transition failed: %v", err)
	}
}

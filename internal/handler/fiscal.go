package handler

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dvalera/taquilla-pos/internal/model"
	"github.com/dvalera/taquilla-pos/internal/queue"
	"github.com/dvalera/taquilla-pos/internal/service"
	queue_publisher "github.com/dvalera/taquilla-pos/internal/service/queue_publisher"
	"github.com/dvalera/taquilla-pos/internal/utils"
)

// FiscalHandler exposes the fiscal series allocator over HTTP: number
// issuance, offline block reservation and offline sale merges.  The
// handler owns the retry policy for contended operations; the allocator
// itself never retries.
type FiscalHandler struct {
	Alloc            *service.Allocator
	BlockTokenSecret string
	BlockTokenTTL    time.Duration
}

// NewFiscalHandler constructs a FiscalHandler.
func NewFiscalHandler(alloc *service.Allocator, tokenSecret string, tokenTTL time.Duration) *FiscalHandler {
	if alloc == nil {
		panic("nil allocator passed to NewFiscalHandler")
	}
	return &FiscalHandler{Alloc: alloc, BlockTokenSecret: tokenSecret, BlockTokenTTL: tokenTTL}
}

func tenantParam(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("tenant"), 10, 64)
	return id, err == nil && id != 0
}

// Issue handles POST /v1/tenants/:tenant/fiscal/issue.  The body may name
// a channel; the online stream is the default.  On success the response
// carries the freshly persisted series number.
func (h *FiscalHandler) Issue(c echo.Context) error {
	tenantID, ok := tenantParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tenant id"})
	}
	var body struct {
		ChannelID string `json:"channel_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.ChannelID == "" {
		body.ChannelID = model.ChannelOnline
	}
	ctx := c.Request().Context()
	var number int64
	err := withContentionRetry(func() error {
		n, err := h.Alloc.IssueNext(ctx, tenantID, body.ChannelID)
		if err != nil {
			return err
		}
		number = n
		return nil
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"series_number": number, "channel_id": body.ChannelID})
}

// ReserveBlock handles POST /v1/tenants/:tenant/fiscal/blocks.  It
// reserves the next contiguous block of numbers for an offline terminal
// and returns it together with a signed hand-off token that the terminal
// must present when synchronizing its sales.
func (h *FiscalHandler) ReserveBlock(c echo.Context) error {
	tenantID, ok := tenantParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tenant id"})
	}
	ctx := c.Request().Context()
	var block *model.OfflineBlock
	err := withContentionRetry(func() error {
		b, err := h.Alloc.ReserveBlock(ctx, tenantID)
		if err != nil {
			return err
		}
		block = b
		return nil
	})
	if err != nil {
		return respondError(c, err)
	}
	token, err := utils.NewBlockToken(h.BlockTokenSecret, tenantID, block.ChannelID, block.RangeStart, block.RangeEnd, h.BlockTokenTTL)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to sign block token"})
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"channel_id":  block.ChannelID,
		"range_start": block.RangeStart,
		"range_end":   block.RangeEnd,
		"expires_at":  block.ExpiresAt.UTC().Format(time.RFC3339),
		"block_token": token,
	})
}

// Merge handles POST /v1/tenants/:tenant/fiscal/blocks/:channel/merge.
// The terminal submits the numbers it sold offline plus its hand-off
// token.  The merge itself is idempotent, so a terminal that lost the
// response can safely resubmit.
func (h *FiscalHandler) Merge(c echo.Context) error {
	tenantID, ok := tenantParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tenant id"})
	}
	channelID := c.Param("channel")
	if channelID == "" || channelID == model.ChannelOnline {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid offline channel"})
	}
	var body struct {
		Numbers    []int64 `json:"numbers"`
		BlockToken string  `json:"block_token"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if len(body.Numbers) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "numbers is required"})
	}
	if _, err := utils.VerifyBlockToken(h.BlockTokenSecret, body.BlockToken, tenantID, channelID); err != nil {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "block token rejected"})
	}
	ctx := c.Request().Context()
	var report *service.MergeReport
	err := withContentionRetry(func() error {
		r, err := h.Alloc.MergeOfflineSales(ctx, tenantID, channelID, body.Numbers)
		if err != nil {
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		return respondError(c, err)
	}
	// Best effort: reporting consumers learn about the sync, including the
	// numbers that need manual reconciliation.
	if pubErr := queue_publisher.PublishBlockMerged(ctx, queue.BlockMergedEvent{
		TenantID:           tenantID,
		ChannelID:          channelID,
		MergedCount:        report.Merged,
		AlreadyMergedCount: report.AlreadyMerged,
		RejectedDuplicate:  report.RejectedDuplicate,
		RejectedOutOfRange: report.RejectedOutOfRange,
		MergedAt:           time.Now().UTC().Format(time.RFC3339),
	}); pubErr != nil {
		log.Printf("merge: publish event failed: %v", pubErr)
	}
	return c.JSON(http.StatusOK, report)
}

// ListBlocks handles GET /v1/tenants/:tenant/fiscal/blocks for audit and
// operator tooling.
func (h *FiscalHandler) ListBlocks(c echo.Context) error {
	tenantID, ok := tenantParam(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid tenant id"})
	}
	blocks, err := h.Alloc.Store.ListBlocks(c.Request().Context(), tenantID)
	if err != nil {
		return respondError(c, err)
	}
	out := make([]echo.Map, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, echo.Map{
			"channel_id":  b.ChannelID,
			"range_start": b.RangeStart,
			"range_end":   b.RangeEnd,
			"issued_at":   b.IssuedAt.UTC().Format(time.RFC3339),
			"expires_at":  b.ExpiresAt.UTC().Format(time.RFC3339),
			"status":      b.Status,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"blocks": out})
}

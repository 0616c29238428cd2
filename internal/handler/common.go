package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dvalera/taquilla-pos/internal/metrics"
	"github.com/dvalera/taquilla-pos/internal/service"
	"github.com/dvalera/taquilla-pos/internal/store"
)

// contentionAttempts is how many times a handler transparently retries an
// operation that failed on lock contention before surfacing the error.
// Retrying is safe: a contended operation leaves no partial state.
const contentionAttempts = 3

// contentionBackoff is the pause between contention retries.
const contentionBackoff = 25 * time.Millisecond

// withContentionRetry runs op, retrying on store.ErrContention.  Every
// other error is returned on first occurrence.
func withContentionRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < contentionAttempts; attempt++ {
		if attempt > 0 {
			metrics.ContentionRetries.Inc()
			time.Sleep(contentionBackoff)
		}
		err = op()
		if !errors.Is(err, store.ErrContention) {
			return err
		}
	}
	return err
}

// respondError translates the core's typed errors into HTTP responses.
// Each error demands different caller behavior, so the mapping is
// explicit rather than a catch-all 500.
func respondError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrChannelNotFound), errors.Is(err, store.ErrStageNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.Is(err, store.ErrNoActiveStage):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "no price stages configured for scope"})
	case errors.Is(err, store.ErrChannelExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "offline block expired"})
	case errors.Is(err, store.ErrChannelExhausted), errors.Is(err, store.ErrQuantityExceeded),
		errors.Is(err, store.ErrDuplicateSeriesNumber):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrInvalidStage):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": err.Error()})
	case errors.Is(err, store.ErrNoCapacity):
		return c.JSON(http.StatusInsufficientStorage, echo.Map{"error": "series capacity exceeded"})
	case errors.Is(err, store.ErrContention):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "busy, retry", "retryable": true})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}

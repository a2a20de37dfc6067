package custody

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/holiman/uint256"

	"github.com/congo-pay/custody/internal/ledger"
)

// Release describes one outbound movement of value out of custody.
type Release struct {
	ID     string
	To     ledger.Address
	Amount *uint256.Int
}

// Releaser moves withdrawn value to its owner. It reports only whether the
// movement happened; anything other than true is treated as a failure.
//
// A Releaser may call back into the Service that invoked it.
type Releaser interface {
	Release(ctx context.Context, release Release) bool
}

// ReleaserFunc adapts a function to the Releaser interface.
type ReleaserFunc func(ctx context.Context, release Release) bool

// Release calls f.
func (f ReleaserFunc) Release(ctx context.Context, release Release) bool {
	return f(ctx, release)
}

// StaticReleaser accepts every release without moving anything. It is the
// development default.
type StaticReleaser struct{}

// Release always succeeds.
func (StaticReleaser) Release(context.Context, Release) bool {
	return true
}

type releasePayload struct {
	ReleaseID string `json:"release_id"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
}

// HTTPReleaser posts releases to a payout endpoint. Any 2xx answer counts as a
// completed transfer.
type HTTPReleaser struct {
	url     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewHTTPReleaser builds a releaser posting JSON to url.
func NewHTTPReleaser(url string, timeout time.Duration, logger *slog.Logger) *HTTPReleaser {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPReleaser{url: url, timeout: timeout, logger: logger}
}

// Release posts the release and waits for the payout endpoint's answer.
func (r *HTTPReleaser) Release(ctx context.Context, release Release) bool {
	if err := ctx.Err(); err != nil {
		r.logger.Warn("release skipped", slog.String("release_id", release.ID), slog.Any("error", err))
		return false
	}

	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	agent := fiber.Post(r.url).
		Set("Idempotency-Key", release.ID).
		Timeout(timeout).
		JSON(releasePayload{
			ReleaseID: release.ID,
			To:        release.To.String(),
			Amount:    release.Amount.Dec(),
		})

	code, _, errs := agent.Bytes()
	if len(errs) > 0 {
		r.logger.Error("release request failed",
			slog.String("release_id", release.ID),
			slog.Any("error", errs[0]))
		return false
	}
	if code < fiber.StatusOK || code >= fiber.StatusMultipleChoices {
		r.logger.Warn("release rejected",
			slog.String("release_id", release.ID),
			slog.Int("status", code))
		return false
	}
	return true
}

package usage

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"wardrobe-render/internal/metrics"
	"wardrobe-render/internal/render"
)

// OperationKind is the feature a request would spend credits on.
type OperationKind string

const (
	OpRenderFlash OperationKind = "render_flash"
	OpRenderPro   OperationKind = "render_pro"
)

// KindForQuality maps a render quality to the ledger feature it draws on.
func KindForQuality(q render.Quality) OperationKind {
	if q == render.QualityPro {
		return OpRenderPro
	}
	return OpRenderFlash
}

// Decision is the outcome of an authorization.
type Decision struct {
	Allowed bool
	Reason  string
}

func Allow() Decision { return Decision{Allowed: true} }

func Deny(reason string) Decision { return Decision{Reason: reason} }

// Ledger is the credit/subscription collaborator. This service only calls
// Authorize; Consume belongs to the caller's surrounding flow.
type Ledger interface {
	Authorize(ctx context.Context, userID string, kind OperationKind) (Decision, error)
	Consume(ctx context.Context, userID string, kind OperationKind) error
}

// ErrInsufficientCredits is returned by ledgers from Consume.
var ErrInsufficientCredits = errors.New("usage: insufficient credits")

// Gate authorizes requests before any expensive work happens.
type Gate struct {
	ledger Ledger
	logger *zap.Logger
}

func NewGate(ledger Ledger, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{ledger: ledger, logger: logger.Named("usage")}
}

// Authorize returns nil when the user may proceed. A denial is a
// render.KindQuotaExceeded error; a ledger failure is
// render.KindUsageUnavailable and fails closed.
func (g *Gate) Authorize(ctx context.Context, userID string, kind OperationKind) error {
	d, err := g.ledger.Authorize(ctx, userID, kind)
	if err != nil {
		g.logger.Error("ledger authorize failed",
			zap.String("user_id", userID),
			zap.String("operation", string(kind)),
			zap.Error(err),
		)
		return &render.Error{Kind: render.KindUsageUnavailable, Err: err}
	}
	if !d.Allowed {
		metrics.UsageDenialsTotal.WithLabelValues(string(kind)).Inc()
		g.logger.Info("usage denied",
			zap.String("user_id", userID),
			zap.String("operation", string(kind)),
			zap.String("reason", d.Reason),
		)
		return &render.Error{Kind: render.KindQuotaExceeded, Msg: d.Reason}
	}
	return nil
}

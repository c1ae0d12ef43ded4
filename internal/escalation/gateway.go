package escalation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsmend/opsmend/internal/bugs"
	apperr "github.com/opsmend/opsmend/internal/errors"
	"github.com/opsmend/opsmend/internal/metrics"
)

const (
	maxBackoff   = time.Hour
	retryWorkers = 4
)

// Options bound the gateway's retry behavior.
type Options struct {
	// Env tags tickets with the deployment they came from.
	Env string
	// MaxDeliveryAttempts caps retries per ticket, first try included.
	MaxDeliveryAttempts int
	// InitialBackoff is the delay before the first retry; it doubles per
	// failure up to an hour.
	InitialBackoff time.Duration
}

// Gateway delivers escalated bugs to the issue tracker. Delivery is
// idempotent per bug: once a ticket exists, further Escalate calls are
// no-ops. Failed deliveries are parked and drained by RetryPending.
type Gateway struct {
	store  *Store
	issues IssuesClient
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewGateway wires the gateway.
func NewGateway(store *Store, issues IssuesClient, opts Options) *Gateway {
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Minute
	}
	return &Gateway{
		store:  store,
		issues: issues,
		opts:   opts,
		logger: slog.Default().With("component", "escalation"),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

// Escalate opens a tracker issue for the bug and returns its record.
// Calling it again for the same bug returns the existing record without
// touching the tracker. A failed delivery parks the rendered ticket for
// retry and reports a delivery error; the bug's Escalated status is
// never rolled back on that account.
func (g *Gateway) Escalate(ctx context.Context, b *bugs.Bug) (*TicketRecord, error) {
	bugID := b.ID.String()

	existing, err := g.store.TicketFor(ctx, bugID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		g.logger.Debug("ticket already delivered", "bug_id", bugID, "issue", existing.IssueNumber)
		return existing, nil
	}

	t := BuildTicket(b, g.opts.Env)
	number, url, deliveryErr := g.issues.CreateIssue(ctx, t)
	if deliveryErr == nil {
		g.logger.Info("escalation ticket created", "bug_id", bugID, "issue", number, "url", url)
		if err := g.store.RecordDelivered(ctx, bugID, number, url); err != nil {
			return nil, err
		}
		return &TicketRecord{BugID: bugID, IssueNumber: number, IssueURL: url, CreatedAt: g.now()}, nil
	}

	metrics.EscalationDeliveryFailures.Inc()
	if err := g.store.Park(ctx, t, deliveryErr, g.now().Add(g.opts.InitialBackoff)); err != nil {
		g.logger.Error("failed to park undeliverable escalation", "bug_id", bugID, "error", err)
	}
	return nil, apperr.EscalationDelivery(bugID, deliveryErr)
}

// RetryPending drains the due part of the retry queue, returning how
// many tickets were delivered. Runs from a cron sweep. Deliveries fan
// out concurrently; the tracker client's rate limiter keeps them polite.
func (g *Gateway) RetryPending(ctx context.Context) (int, error) {
	due, err := g.store.Due(ctx, g.now(), 50)
	if err != nil {
		return 0, err
	}

	var delivered atomic.Int64
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(retryWorkers)

	for _, p := range due {
		p := p
		eg.Go(func() error {
			if err := ectx.Err(); err != nil {
				return err
			}
			if g.retryOne(ectx, p) {
				delivered.Add(1)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return int(delivered.Load()), err
	}
	return int(delivered.Load()), nil
}

// retryOne attempts a single parked delivery and reports success.
func (g *Gateway) retryOne(ctx context.Context, p PendingEscalation) bool {
	t, err := p.Ticket()
	if err != nil {
		g.logger.Error("dropping undecodable pending escalation", "bug_id", p.BugID, "error", err)
		if err := g.store.Drop(ctx, p.BugID); err != nil {
			g.logger.Error("failed to drop pending escalation", "bug_id", p.BugID, "error", err)
		}
		return false
	}

	number, url, deliveryErr := g.issues.CreateIssue(ctx, t)
	if deliveryErr == nil {
		if err := g.store.RecordDelivered(ctx, p.BugID, number, url); err != nil {
			g.logger.Error("delivered ticket not recorded", "bug_id", p.BugID, "error", err)
			return false
		}
		g.logger.Info("parked escalation delivered", "bug_id", p.BugID, "issue", number, "retries", p.Attempts)
		return true
	}

	metrics.EscalationDeliveryFailures.Inc()
	if p.Attempts+1 >= g.opts.MaxDeliveryAttempts {
		g.logger.Error("escalation delivery abandoned after max attempts",
			"bug_id", p.BugID, "attempts", p.Attempts+1, "error", deliveryErr)
		if err := g.store.Drop(ctx, p.BugID); err != nil {
			g.logger.Error("failed to drop abandoned escalation", "bug_id", p.BugID, "error", err)
		}
		return false
	}

	backoff := g.opts.InitialBackoff << uint(p.Attempts)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	if err := g.store.Park(ctx, t, deliveryErr, g.now().Add(backoff)); err != nil {
		g.logger.Error("failed to repark escalation", "bug_id", p.BugID, "error", err)
	}
	return false
}

// PendingCount reports the retry queue depth, for the readiness surface.
func (g *Gateway) PendingCount(ctx context.Context) (int, error) {
	return g.store.PendingCount(ctx)
}

package relay

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coilworks/relay/cache"
	"github.com/coilworks/relay/config"
	"github.com/coilworks/relay/database"
	"github.com/coilworks/relay/model"
)

var schedulerTracer = otel.Tracer("relay.scheduler")

// StepOutcome reports what a single lifecycle step achieved.
type StepOutcome int

const (
	// StepProgressed means the payment advanced but is not finished.
	StepProgressed StepOutcome = iota
	// StepFinished means the step completed the payment.
	StepFinished
)

// PaymentSender executes exactly one lifecycle step for a payment.
type PaymentSender interface {
	Step(ctx context.Context, payment *model.OutgoingPayment) (StepOutcome, error)
}

// OutgoingPaymentProcessor drives SENDING payments to completion. All mutable
// worker state lives on the struct so several processors can coexist in one
// process; across processes the skip-locked row selection keeps at most one
// worker on a payment at any instant.
type OutgoingPaymentProcessor struct {
	datasource  database.IDataSource
	sender      PaymentSender
	snapshots   cache.Cache
	completions *CompletionCache

	maxAttempts        int
	backoffSeconds     int
	backoffCap         int
	statementTimeoutMs int
	queueBypassEvery   int
	cacheOnlyWindow    int
	pollInterval       time.Duration

	readyMu sync.Mutex
	ready   []string
	ticks   int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewOutgoingPaymentProcessor(datasource database.IDataSource, sender PaymentSender, snapshots cache.Cache, cnf config.SchedulerConfig) *OutgoingPaymentProcessor {
	return &OutgoingPaymentProcessor{
		datasource:         datasource,
		sender:             sender,
		snapshots:          snapshots,
		completions:        NewCompletionCache(time.Duration(cnf.FlushIntervalSeconds)*time.Second, cnf.FlushMaxBatch),
		maxAttempts:        cnf.MaxAttempts,
		backoffSeconds:     cnf.BackoffSeconds,
		backoffCap:         cnf.BackoffCap,
		statementTimeoutMs: cnf.StatementTimeoutMs,
		queueBypassEvery:   cnf.QueueBypassEvery,
		cacheOnlyWindow:    cnf.CacheOnlyWindow,
		pollInterval:       time.Duration(cnf.PollIntervalMs) * time.Millisecond,
		stopCh:             make(chan struct{}),
	}
}

// NotifyReady feeds a payment id into the in-memory ready queue and caches
// its snapshot so the next tick can skip the database read.
func (p *OutgoingPaymentProcessor) NotifyReady(ctx context.Context, payment *model.OutgoingPayment) {
	if err := p.snapshots.SetPayment(ctx, payment, 5*time.Minute); err != nil {
		logrus.Errorf("failed to cache payment snapshot %s: %v", payment.PaymentID, err)
	}
	p.readyMu.Lock()
	p.ready = append(p.ready, payment.PaymentID)
	p.readyMu.Unlock()
}

func (p *OutgoingPaymentProcessor) popReady() string {
	p.readyMu.Lock()
	defer p.readyMu.Unlock()
	if len(p.ready) == 0 {
		return ""
	}
	id := p.ready[0]
	p.ready = p.ready[1:]
	return id
}

func (p *OutgoingPaymentProcessor) nextTick() int {
	p.readyMu.Lock()
	defer p.readyMu.Unlock()
	p.ticks++
	return p.ticks
}

// ProcessOneTick makes forward progress on at most one payment and returns
// its id, or "" for a no-op tick. Step errors are absorbed into state
// mutations at single-payment granularity; only storage-infrastructure
// failures propagate, for the caller to log and retry next tick.
func (p *OutgoingPaymentProcessor) ProcessOneTick(ctx context.Context) (string, error) {
	ctx, span := schedulerTracer.Start(ctx, "Processing scheduler tick")
	defer span.End()

	if p.completions.ShouldFlush() {
		err := p.completions.Flush(func(paymentIDs []string) error {
			return p.datasource.CompletePayments(ctx, paymentIDs)
		})
		if err != nil {
			span.RecordError(err)
			return "", err
		}
	}

	tick := p.nextTick()
	bypass := p.queueBypassEvery > 0 && tick%p.queueBypassEvery == 0

	preferred := ""
	if !bypass {
		preferred = p.popReady()
	}
	if preferred == "" && !bypass && p.cacheOnlyWindow > 0 && tick <= p.cacheOnlyWindow {
		// Legacy cache-only window: stay off storage entirely. Disabled by
		// default because payments that never entered the cache would starve.
		return "", nil
	}

	tx, err := p.datasource.BeginTx(ctx)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var payment *model.OutgoingPayment
	if preferred != "" {
		snapshot, err := p.snapshots.GetPayment(ctx, preferred)
		if err != nil {
			logrus.Errorf("failed to read payment snapshot %s: %v", preferred, err)
		}
		if snapshot != nil && snapshot.PaymentID == preferred {
			quoteID, walletAddressID, locked, err := p.datasource.GetPaymentReferences(ctx, tx, preferred)
			if err != nil {
				span.RecordError(err)
				return "", err
			}
			if !locked {
				// A concurrent worker holds the row, or it left SENDING.
				return "", nil
			}
			snapshot.QuoteID = quoteID
			snapshot.WalletAddressID = walletAddressID
			payment = snapshot
		}
	}
	if payment == nil {
		payment, err = p.datasource.SelectSendingPayment(ctx, tx, database.SelectPaymentOptions{
			PaymentID:          preferred,
			BackoffSeconds:     p.backoffSeconds,
			BackoffCap:         p.backoffCap,
			StatementTimeoutMs: p.statementTimeoutMs,
		})
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		if payment == nil {
			return "", nil
		}
	}

	if p.completions.Contains(payment.PaymentID) {
		// Finished in this process but its completion has not flushed yet, so
		// storage still shows SENDING. Stepping it again would send twice.
		return "", nil
	}

	if err := p.processPayment(ctx, tx, payment); err != nil {
		span.RecordError(err)
		return "", err
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return "", err
	}
	span.AddEvent("Payment stepped", trace.WithAttributes(attribute.String("payment.id", payment.PaymentID)))
	return payment.PaymentID, nil
}

// processPayment runs one lifecycle step inside the transaction that holds
// the row lock, then persists the resulting state transition.
func (p *OutgoingPaymentProcessor) processPayment(ctx context.Context, tx *sql.Tx, payment *model.OutgoingPayment) error {
	outcome, stepErr := p.sender.Step(ctx, payment)
	if stepErr == nil {
		if outcome == StepFinished {
			p.completions.Append(payment.PaymentID)
			p.evictSnapshot(ctx, payment.PaymentID)
		}
		return nil
	}

	p.evictSnapshot(ctx, payment.PaymentID)

	if model.RetryablePaymentError(stepErr) && payment.StateAttempts < p.maxAttempts {
		logrus.Infof("payment %s step failed (attempt %d/%d), will retry: %v",
			payment.PaymentID, payment.StateAttempts+1, p.maxAttempts, stepErr)
		return p.datasource.UpdatePaymentAttempts(ctx, tx, payment.PaymentID, payment.StateAttempts+1)
	}

	logrus.Errorf("payment %s failed terminally: %v", payment.PaymentID, stepErr)
	return p.datasource.FailPayment(ctx, tx, payment.PaymentID, stepErr.Error())
}

func (p *OutgoingPaymentProcessor) evictSnapshot(ctx context.Context, paymentID string) {
	if err := p.snapshots.EvictPayment(ctx, paymentID); err != nil {
		logrus.Errorf("failed to evict payment snapshot %s: %v", paymentID, err)
	}
}

// Start runs the tick loop until Stop or context cancellation.
func (p *OutgoingPaymentProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Outgoing payment processor started")
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (p *OutgoingPaymentProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Outgoing payment processor stopped")
}

func (p *OutgoingPaymentProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *OutgoingPaymentProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Outgoing payment processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Outgoing payment processor stop signal received")
			return
		case <-ticker.C:
			if _, err := p.ProcessOneTick(ctx); err != nil {
				logrus.Errorf("scheduler tick failed: %v", err)
			}
		}
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/gateway"
	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultQuoteRetries  = 2
	baseQuoteRetryDelay  = 200 * time.Millisecond
	maxQuoteRetryDelay   = 5 * time.Second
	maxRetryJitterMillis = 250

	operationQuote   = "quote"
	operationExecute = "execute"
)

// TradeExecutor drives one trade through quote, reserve and execution. Every step is a
// status-guarded update, so a trade moved elsewhere (for example cancelled) stops the
// pipeline quietly. Gateway failures end the trade as FAILED; only persistence errors are
// returned.
type TradeExecutor struct {
	trades       repository.TradeRepository
	clients      repository.ClientRepository
	gateway      gateway.Gateway
	progress     *ProgressAggregator
	quoteRetries int
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	randIntn     func(n int) int
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewTradeExecutor(
	trades repository.TradeRepository,
	clients repository.ClientRepository,
	gw gateway.Gateway,
	progress *ProgressAggregator,
	quoteRetries int,
	logger *zap.Logger,
) (*TradeExecutor, error) {
	if trades == nil {
		return nil, fmt.Errorf("trade repository is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client repository is required")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if progress == nil {
		return nil, fmt.Errorf("progress aggregator is required")
	}
	if quoteRetries < 0 {
		quoteRetries = DefaultQuoteRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TradeExecutor{
		trades:       trades,
		clients:      clients,
		gateway:      gw,
		progress:     progress,
		quoteRetries: quoteRetries,
		logger:       logger,
		now:          time.Now,
		randIntn:     rand.Intn,
		sleep:        sleepWithContext,
	}, nil
}

func (e *TradeExecutor) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// Execute runs trade if it is still PENDING and returns the status it ended in.
func (e *TradeExecutor) Execute(ctx context.Context, trade domain.Trade) (domain.TradeStatus, error) {
	current, err := e.trades.GetByID(ctx, trade.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load trade %s: %w", trade.ID, err)
	}
	if current.Status != domain.TradeStatusPending {
		return current.Status, nil
	}

	run := &tradeRun{trade: *current, stage: domain.TradeStatusPending}
	status, err := e.process(ctx, run)
	if err != nil {
		return status, err
	}

	if status.IsTerminal() {
		e.metrics.IncTradeCompleted(status.String())
		if _, err := e.progress.Recompute(context.WithoutCancel(ctx), run.trade.BatchID); err != nil {
			return status, fmt.Errorf("failed to recompute batch progress: %w", err)
		}
	}
	return status, nil
}

type tradeRun struct {
	trade domain.Trade
	stage domain.TradeStatus
}

func (e *TradeExecutor) process(ctx context.Context, run *tradeRun) (status domain.TradeStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("trade execution panicked",
				zap.String("tradeId", run.trade.ID),
				zap.Any("panic", r),
			)
			status, err = e.fail(context.WithoutCancel(ctx), run, fmt.Sprintf("%s%v", domain.MessageUnexpectedPrefix, r))
		}
	}()

	trade := run.trade
	client, err := e.clients.GetByID(ctx, trade.ClientID)
	if errors.Is(err, domain.ErrNotFound) {
		return e.fail(ctx, run, domain.MessageClientNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load client %s: %w", trade.ClientID, err)
	}

	if !trade.AmountZAR.IsPositive() {
		return e.fail(ctx, run, domain.MessageInvalidAmount)
	}
	if !client.HasZARAccount() {
		return e.fail(ctx, run, domain.MessageNoZARAccount)
	}

	quote, err := e.quoteWithRetry(ctx, trade, *client)
	if err != nil {
		if ctx.Err() != nil {
			return run.stage, ctx.Err()
		}
		return e.fail(ctx, run, gatewayFailureMessage(err))
	}
	if quote == nil || !quote.IsComplete() {
		return e.fail(ctx, run, domain.MessageMissingQuote)
	}

	rate := quote.Rate
	ok, err := e.advance(ctx, run, domain.TradeStatusQuoted, repository.TradeUpdate{
		QuoteID:   &quote.ID,
		QuoteRate: &rate,
	})
	if err != nil || !ok {
		return e.settle(ctx, run, err)
	}

	// Once quoted, the trade runs to completion so it cannot be stranded in QUOTED.
	bookCtx := context.WithoutCancel(ctx)
	ok, err = e.advance(bookCtx, run, domain.TradeStatusExecuting, repository.TradeUpdate{})
	if err != nil || !ok {
		return e.settle(bookCtx, run, err)
	}

	var settlement *domain.Settlement
	err = e.callGateway(bookCtx, operationExecute, func(callCtx context.Context) error {
		var callErr error
		settlement, callErr = e.gateway.Execute(callCtx, trade, *quote)
		return callErr
	})
	if err != nil {
		return e.fail(bookCtx, run, gatewayFailureMessage(err))
	}
	if settlement == nil {
		return e.fail(bookCtx, run, domain.MessageUnexpectedPrefix+"empty settlement")
	}

	ok, err = e.advance(bookCtx, run, domain.TradeStatusSuccess, repository.TradeUpdate{
		SettlementID:  &settlement.ID,
		SettlementRef: &settlement.Reference,
	})
	if err != nil || !ok {
		return e.settle(bookCtx, run, err)
	}
	return domain.TradeStatusSuccess, nil
}

func (e *TradeExecutor) quoteWithRetry(ctx context.Context, trade domain.Trade, client domain.Client) (*domain.Quote, error) {
	for attempt := 1; ; attempt++ {
		var quote *domain.Quote
		err := e.callGateway(ctx, operationQuote, func(callCtx context.Context) error {
			var callErr error
			quote, callErr = e.gateway.Quote(callCtx, trade, client)
			return callErr
		})
		if err == nil {
			return quote, nil
		}
		if !gateway.IsTransient(err) || attempt > e.quoteRetries || ctx.Err() != nil {
			return nil, err
		}

		delay := e.computeRetryDelay(attempt)
		e.logger.Warn("quote failed, retrying",
			zap.String("tradeId", trade.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}
}

func (e *TradeExecutor) callGateway(ctx context.Context, operation string, call func(ctx context.Context) error) error {
	start := e.now()
	err := call(ctx)
	e.metrics.ObserveGatewayCall(operation, e.now().Sub(start))
	if err != nil {
		e.metrics.IncGatewayError(operation, gateway.Reason(err))
	}
	return err
}

// advance moves the trade from its current stage to next. ok is false when the guard did
// not match.
func (e *TradeExecutor) advance(
	ctx context.Context,
	run *tradeRun,
	next domain.TradeStatus,
	update repository.TradeUpdate,
) (bool, error) {
	if err := domain.ValidateTradeTransition(run.stage, next); err != nil {
		return false, err
	}

	ok, err := e.trades.TransitionStatus(ctx, run.trade.ID, run.stage, next, update, e.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to move trade %s to %s: %w", run.trade.ID, next, err)
	}
	if ok {
		run.stage = next
	}
	return ok, nil
}

func (e *TradeExecutor) fail(ctx context.Context, run *tradeRun, message string) (domain.TradeStatus, error) {
	ok, err := e.advance(ctx, run, domain.TradeStatusFailed, repository.TradeUpdate{Message: message})
	if err != nil || !ok {
		return e.settle(ctx, run, err)
	}

	e.logger.Info("trade failed",
		zap.String("tradeId", run.trade.ID),
		zap.String("batchId", run.trade.BatchID),
		zap.String("message", message),
	)
	return domain.TradeStatusFailed, nil
}

// settle resolves a lost guard by reporting the trade's stored status.
func (e *TradeExecutor) settle(ctx context.Context, run *tradeRun, err error) (domain.TradeStatus, error) {
	if err != nil {
		return run.stage, err
	}

	current, getErr := e.trades.GetByID(ctx, run.trade.ID)
	if getErr != nil {
		return run.stage, fmt.Errorf("failed to reload trade %s: %w", run.trade.ID, getErr)
	}
	e.logger.Info("trade changed during execution, stopping",
		zap.String("tradeId", run.trade.ID),
		zap.String("expected", run.stage.String()),
		zap.String("actual", current.Status.String()),
	)
	return current.Status, nil
}

func (e *TradeExecutor) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := baseQuoteRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxQuoteRetryDelay {
			delay = maxQuoteRetryDelay
			break
		}
	}

	jitterMillis := 0
	if e.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = e.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func gatewayFailureMessage(err error) string {
	var gatewayErr *gateway.GatewayError
	if !errors.As(err, &gatewayErr) {
		return domain.MessageUnexpectedPrefix + err.Error()
	}

	message := strings.TrimSpace(gatewayErr.Message)
	if gatewayErr.Cause != nil {
		message = strings.TrimSpace(message + ": " + gatewayErr.Cause.Error())
	}
	if message == "" {
		return gatewayErr.Error()
	}
	return message
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

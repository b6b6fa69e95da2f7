package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/google/uuid"

	rrerrors "github.com/randalmurphal/revreg/pkg/revreg/errors"
	"github.com/randalmurphal/revreg/pkg/revreg/event"
	"github.com/randalmurphal/revreg/pkg/revreg/eventstore"
	"github.com/randalmurphal/revreg/pkg/revreg/observability"
	"github.com/randalmurphal/revreg/pkg/revreg/options"
	"github.com/randalmurphal/revreg/pkg/revreg/profile"
	"github.com/randalmurphal/revreg/pkg/revreg/topic"
)

func (s *DefaultRevocationSetup) requestHandler(step topic.Step) func(context.Context, string, topic.Request, event.Event) error {
	return func(ctx context.Context, scope string, req topic.Request, _ event.Event) error {
		return s.handleRequest(ctx, scope, step, req)
	}
}

// handleRequest runs one step attempt and answers with its response.
//
// A request without a correlation id is a first attempt: it gets a fresh
// id and is persisted. Retries and recovered requests arrive with the id
// of the record they continue. The engine call ignores cancellation so a
// shutdown cannot leave a registration half applied.
func (s *DefaultRevocationSetup) handleRequest(ctx context.Context, scope string, step topic.Step, req topic.Request) error {
	p, err := s.profiles.Profile(scope)
	if err != nil {
		return err
	}

	opts := req.Options.Clone()
	corrID := opts.CorrelationID()
	first := corrID == ""
	if first {
		corrID = uuid.NewString()
		opts[options.KeyCorrelationID] = corrID
	}
	if opts.RequestID() == "" {
		opts[options.KeyRequestID] = uuid.NewString()
	}
	req.Options = opts
	retry := opts.RetryCount()

	logger := observability.EnrichLogger(s.logger, scope, string(step), corrID, retry)
	ctx, span := s.spans.StartStepSpan(ctx, string(step), corrID)
	store := s.events(p)

	if first {
		err := store.StoreEventRequest(ctx, step.RequestTopic(), req, corrID, opts.RequestID(), opts, time.Time{})
		if err != nil {
			logger.Warn("persist saga request failed", "error", err)
		}
	}
	if err := store.MarkInProgress(ctx, step.RequestTopic(), corrID); err != nil {
		logger.Warn("mark saga request in progress failed", "error", err)
	}

	observability.LogStepStart(logger, req.Identifier())
	elapsed := observability.TimedOperation()
	result, err := s.execute(context.WithoutCancel(ctx), p, step, req)
	duration := elapsed()
	s.metrics.RecordStepExecution(ctx, string(step), duration, err)
	s.spans.EndSpanWithError(span, err)

	resp := topic.Response{Step: step, Request: req, Result: result}
	if err != nil {
		shouldRetry := rrerrors.IsRetryable(err) && retry+1 < s.maxAttempts
		observability.LogStepFailure(logger, req.Identifier(), err.Error(), shouldRetry)
		resp.Failure = &topic.Failure{
			Step: step,
			ErrorInfo: topic.ErrorInfo{
				ErrorMsg:    err.Error(),
				ShouldRetry: shouldRetry,
				RetryCount:  retry,
			},
		}
	} else {
		observability.LogStepComplete(logger, req.Identifier(), float64(duration.Milliseconds()))
	}
	return s.emit(context.WithoutCancel(ctx), scope, step.ResponseTopic(), resp)
}

// onResponse closes or retries the step a response answers, then moves the
// saga on.
func (s *DefaultRevocationSetup) onResponse(ctx context.Context, scope string, resp topic.Response, _ event.Event) error {
	p, err := s.profiles.Profile(scope)
	if err != nil {
		return err
	}
	opts := resp.Request.Options
	logger := observability.EnrichLogger(s.logger, scope, string(resp.Step), opts.CorrelationID(), opts.RetryCount())
	store := s.events(p)

	if !resp.OK() {
		return s.handleFailure(ctx, p, store, resp, logger)
	}
	if err := closeEvent(ctx, store, resp, true, ""); err != nil {
		logger.Warn("complete saga request failed", "error", err)
	}
	return s.next(ctx, p, resp, logger)
}

// handleFailure retries a failed step after a backoff, or escalates it.
// The failure decides whether a retry is wanted; the attempt cap is
// enforced here regardless.
func (s *DefaultRevocationSetup) handleFailure(ctx context.Context, p *profile.Profile, store *eventstore.Store, resp topic.Response, logger *slog.Logger) error {
	info := resp.Failure.ErrorInfo
	req := resp.Request
	logger.Warn("saga step failed",
		"issuer_id", req.IssuerID,
		"cred_def_id", req.CredDefID,
		"rev_reg_def_id", req.RegDefID,
		"error", info.ErrorMsg,
		"should_retry", info.ShouldRetry,
	)

	if info.ShouldRetry && info.RetryCount+1 < s.maxAttempts {
		next := info.RetryCount + 1
		delay := s.policy.CalculateExponentialBackoffDelay(info.RetryCount)
		observability.LogStepRetry(logger, next, delay)
		s.metrics.RecordStepRetry(ctx, string(resp.Step), next)

		// A shutdown during the backoff leaves the record REQUESTED for
		// recovery to resume.
		if err := linger.Sleep(ctx, delay); err != nil {
			return err
		}

		req.Options = req.Options.With(options.KeyRetryCount, next)
		if corrID := req.Options.CorrelationID(); corrID != "" {
			err := store.UpdateEventForRetry(ctx, resp.Step.RequestTopic(), corrID, info.ErrorMsg, next, req.Options)
			if err != nil {
				logger.Warn("update saga request for retry failed", "error", err)
			}
		}
		return s.emit(ctx, p.Name, resp.Step.RequestTopic(), req)
	}

	if err := closeEvent(ctx, store, resp, false, info.ErrorMsg); err != nil {
		logger.Warn("fail saga request failed", "error", err)
	}
	observability.LogIntervention(logger, req.Identifier(), info.ErrorMsg)
	s.metrics.RecordIntervention(ctx, string(resp.Step))
	return s.emit(ctx, p.Name, topic.InterventionRequired, topic.InterventionPayload{
		Step:       resp.Step,
		Message:    info.ErrorMsg,
		Identifier: req.Identifier(),
		Options:    req.Options,
	})
}

// onCredDefFinished starts the saga for a credential definition that
// supports revocation.
func (s *DefaultRevocationSetup) onCredDefFinished(ctx context.Context, scope string, payload topic.CredDefPayload, _ event.Event) error {
	if !payload.SupportRevocation {
		return nil
	}
	opts := payload.Options.Clean().With(options.KeyFirstRegistry, true)
	if opts.RequestID() == "" {
		opts[options.KeyRequestID] = uuid.NewString()
	}
	s.logger.Info("starting revocation setup",
		"profile", scope,
		"cred_def_id", payload.CredDefID,
	)
	return s.emit(ctx, scope, topic.RegistryCreateRequested, topic.Request{
		IssuerID:   payload.IssuerID,
		CredDefID:  payload.CredDefID,
		MaxCredNum: payload.MaxCredNum,
		Options:    opts,
	})
}

// onRegistryFullDetected starts full handling unless the registry was
// already swapped out.
func (s *DefaultRevocationSetup) onRegistryFullDetected(ctx context.Context, scope string, payload topic.FullDetectedPayload, _ event.Event) error {
	p, err := s.profiles.Profile(scope)
	if err != nil {
		return err
	}
	if def, err := s.engine.GetRegistryDefinition(ctx, p, payload.RegDefID); err == nil && !def.Active {
		s.logger.Debug("full registry already swapped out",
			"profile", scope,
			"rev_reg_def_id", payload.RegDefID,
		)
		return nil
	}
	return s.emit(ctx, scope, topic.FullHandlingRequested, topic.Request{
		IssuerID:     payload.IssuerID,
		CredDefID:    payload.CredDefID,
		RegDefID:     payload.RegDefID,
		RegistryType: payload.RegistryType,
		MaxCredNum:   payload.MaxCredNum,
		Options:      stripSagaKeys(payload.Options.Clean()),
	})
}

// stripSagaKeys removes the keys that steer one saga instance.
func stripSagaKeys(opts options.Bag) options.Bag {
	return opts.Without(
		options.KeyFirstRegistry,
		options.KeyFullHandling,
		options.KeyOldRegDefID,
		options.KeyFailedToUpload,
	)
}

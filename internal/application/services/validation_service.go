package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	"github.com/zatekoja/clinicalvalidation/internal/domain/repositories"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/clinicalvalidation/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// unavailableMessage is the only text clinicians see when no clinical result
// could be produced.
const unavailableMessage = "validation service unavailable, please retry"

// ContextSource assembles the evidence block for a dictation.
type ContextSource interface {
	AssembleForDictation(ctx context.Context, dictation string) (string, error)
}

// LLMInvoker sends a prompt through the provider chain.
type LLMInvoker interface {
	Invoke(ctx context.Context, req *entities.LLMRequest) (*entities.LLMResponse, error)
}

// ValidationService drives one order through the validation lifecycle.
type ValidationService struct {
	attempts     repositories.ValidationAttemptRepository
	templates    repositories.PromptTemplateRepository
	context      ContextSource
	prompts      *PromptConstructor
	llm          LLMInvoker
	parser       *ResponseParser
	orders       providers.OrderStatusProvider
	quota        providers.QuotaChecker
	events       providers.EventBus
	templateType string
	metrics      *observability.Metrics
	now          func() time.Time
}

// NewValidationService creates a validation service. orders and quota may be nil.
func NewValidationService(
	attempts repositories.ValidationAttemptRepository,
	templates repositories.PromptTemplateRepository,
	contextSource ContextSource,
	prompts *PromptConstructor,
	llm LLMInvoker,
	parser *ResponseParser,
	orders providers.OrderStatusProvider,
	quota providers.QuotaChecker,
	templateType string,
	metrics *observability.Metrics,
) *ValidationService {
	if templateType == "" {
		templateType = entities.DefaultTemplateType
	}
	return &ValidationService{
		attempts:     attempts,
		templates:    templates,
		context:      contextSource,
		prompts:      prompts,
		llm:          llm,
		parser:       parser,
		orders:       orders,
		quota:        quota,
		templateType: templateType,
		metrics:      metrics,
		now:          time.Now,
	}
}

// WithEventBus publishes a ValidationEvent after every recorded attempt.
func (s *ValidationService) WithEventBus(bus providers.EventBus) *ValidationService {
	s.events = bus
	return s
}

// Validate runs one attempt for an order and returns the parsed result with
// the order's new state. Only parsed clinical results are recorded.
func (s *ValidationService) Validate(ctx context.Context, req *entities.ValidationRequest) (*entities.ValidationOutcome, error) {
	ctx, span := observability.StartSpan(ctx, "validation.validate")
	defer span.End()

	if req == nil || strings.TrimSpace(req.OrderID) == "" {
		return nil, apperrors.NewValidationError("order id is required")
	}
	if strings.TrimSpace(req.DictationText) == "" {
		return nil, apperrors.NewValidationError("dictation text is required")
	}

	logger := observability.WithOrder(ctx, req.OrderID)
	override := req.IsOverride()
	observability.SetSpanAttributes(span,
		attribute.String("order.id", req.OrderID),
		attribute.Bool("validation.override", override),
	)

	// 1. Finalized orders accept no further attempts
	if err := s.ensureOpen(ctx, req.OrderID); err != nil {
		return nil, err
	}

	history, err := s.attempts.ListByOrder(ctx, req.OrderID)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load validation history", err)
	}
	var latest *entities.ValidationAttempt
	if len(history) > 0 {
		latest = history[len(history)-1]
	}
	current := entities.StateFromAttempt(latest)

	// 2. External quota hook
	if s.quota != nil {
		if err := s.quota.CheckQuota(ctx, req, entities.Summarize(req.OrderID, history)); err != nil {
			return nil, err
		}
	}

	// 3. State gate
	event := entities.EventValidate
	if override {
		event = entities.EventOverride
	}
	if _, err := entities.Transition(current, event); err != nil {
		if override {
			return nil, apperrors.NewValidationError("override requires a prior needs_clarification or inappropriate result")
		}
		return nil, apperrors.NewConflictError(err.Error())
	}

	// 4. Active template
	tmpl, err := s.templates.GetActive(ctx, s.templateType)
	if err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			logger.Error().Str("template_type", s.templateType).Msg("No active prompt template")
			return nil, apperrors.NewConfigurationError("no active prompt template for type "+s.templateType, err)
		}
		return nil, apperrors.NewInternalError("failed to load prompt template", err)
	}

	// 5. Evidence
	evidence, err := s.context.AssembleForDictation(ctx, req.DictationText)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	// 6. Prompt
	llmReq, err := s.prompts.Build(PromptInput{
		Template:              tmpl,
		Context:               evidence,
		Dictation:             req.DictationText,
		OverrideJustification: req.OverrideJustification,
	})
	if err != nil {
		return nil, err
	}

	// 7. Model call
	resp, err := s.llm.Invoke(ctx, llmReq)
	if err != nil {
		observability.RecordError(span, err)
		logger.Error().Err(err).Msg("LLM invocation failed")
		return nil, err
	}

	// 8. Parse and check the answer
	parsed, err := s.parser.Parse(ctx, resp.Content, override)
	if err != nil {
		observability.RecordError(span, err)
		observability.RecordValidationAttempt(ctx, s.metrics, "parse_failed")
		return nil, apperrors.NewUnavailableError(unavailableMessage, err)
	}
	for _, w := range parsed.Warnings {
		logger.Warn().Str("provider", resp.Provider).Msg("Validation quality warning: " + w)
	}

	// 9. Record the attempt
	result := parsed.Result
	attempt := &entities.ValidationAttempt{
		ID:                  uuid.New().String(),
		OrderID:             req.OrderID,
		Outcome:             entities.OutcomeFromStatus(result.ValidationStatus),
		ValidationStatus:    result.ValidationStatus,
		ComplianceScore:     result.ComplianceScore,
		SuggestedICD10Codes: result.SuggestedICD10Codes,
		SuggestedCPTCodes:   result.SuggestedCPTCodes,
		Feedback:            result.Feedback,
		DictationText:       req.DictationText,
		Provider:            resp.Provider,
		PhysicianID:         req.PhysicianID,
		CreatedAt:           s.now().UTC(),
	}
	if override {
		attempt.Outcome = entities.OutcomeOverride
		attempt.OverrideJustification = req.OverrideJustification
	}
	if result.ClarificationPrompt != nil {
		attempt.ClarificationPrompt = *result.ClarificationPrompt
	}
	if err := s.attempts.Append(ctx, attempt); err != nil {
		return nil, apperrors.NewInternalError("failed to record validation attempt", err)
	}

	// 10. Resting state
	next, err := entities.Transition(entities.StateValidating, entities.ResultEvent(attempt.Outcome))
	if err != nil {
		return nil, apperrors.NewInternalError("unexpected validation outcome", err)
	}

	observability.RecordValidationAttempt(ctx, s.metrics, string(attempt.Outcome))
	s.publish(ctx, attempt, next)
	observability.SetSpanAttributes(span,
		attribute.Int("validation.attempt", attempt.AttemptNumber),
		attribute.String("validation.state", string(next)),
	)
	logger.Info().
		Int("attempt", attempt.AttemptNumber).
		Str("outcome", string(attempt.Outcome)).
		Int("compliance_score", attempt.ComplianceScore).
		Str("provider", resp.Provider).
		Dur("llm_elapsed", resp.Elapsed).
		Str("state", string(next)).
		Msg("Validation attempt recorded")

	return &entities.ValidationOutcome{
		Result:   result,
		Attempt:  attempt,
		State:    next,
		Warnings: parsed.Warnings,
	}, nil
}

// History returns every attempt for the order, oldest first
func (s *ValidationService) History(ctx context.Context, orderID string) ([]*entities.ValidationAttempt, error) {
	attempts, err := s.attempts.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load validation history", err)
	}
	return attempts, nil
}

// LatestAttempt returns the newest attempt, or nil when there is none
func (s *ValidationService) LatestAttempt(ctx context.Context, orderID string) (*entities.ValidationAttempt, error) {
	latest, err := s.attempts.Latest(ctx, orderID)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load latest attempt", err)
	}
	return latest, nil
}

// State reports the order's position in the lifecycle
func (s *ValidationService) State(ctx context.Context, orderID string) (entities.ValidationState, error) {
	if s.orders != nil {
		finalized, err := s.orders.IsFinalized(ctx, orderID)
		if err != nil {
			return "", apperrors.NewExternalError("failed to check order status", err)
		}
		if finalized {
			return entities.StateFinalized, nil
		}
	}
	latest, err := s.LatestAttempt(ctx, orderID)
	if err != nil {
		return "", err
	}
	return entities.StateFromAttempt(latest), nil
}

// publish is best effort; the attempt is already stored.
func (s *ValidationService) publish(ctx context.Context, attempt *entities.ValidationAttempt, state entities.ValidationState) {
	if s.events == nil {
		return
	}
	event := entities.NewValidationEvent(attempt, state)
	for _, channel := range []string{providers.GetOrderChannel(attempt.OrderID), providers.EventChannelValidationUpdates} {
		if err := s.events.Publish(ctx, channel, event); err != nil {
			observability.WithOrder(ctx, attempt.OrderID).Warn().Err(err).Str("channel", channel).Msg("Failed to publish validation event")
		}
	}
}

func (s *ValidationService) ensureOpen(ctx context.Context, orderID string) error {
	if s.orders == nil {
		return nil
	}
	finalized, err := s.orders.IsFinalized(ctx, orderID)
	if err != nil {
		return apperrors.NewExternalError("failed to check order status", err)
	}
	if finalized {
		return apperrors.NewConflictError(fmt.Sprintf("order %s is already finalized", orderID))
	}
	return nil
}

// IsClinicalResultError reports whether err came from an unusable model answer
// rather than a transport failure.
func IsClinicalResultError(err error) bool {
	var parseErr *entities.ParseError
	var schemaErr *entities.SchemaViolationError
	return errors.As(err, &parseErr) || errors.As(err, &schemaErr)
}

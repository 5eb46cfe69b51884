package llm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/parthasarathi-encipherhealth/ar-sip/internal/metrics"
)

const (
	// FallbackDirective is returned once the retry budget is spent so the
	// remote party still hears a continuation of the dialog.
	FallbackDirective = "say: apologize and end gracefully"

	// CallerSystemPrompt frames every completion request.
	CallerSystemPrompt = "You are an AR caller, calling an insurance company to get the claim status. " +
		"Respond with either 'say: [text]' to speak text, 'play: [digits]' to play DTMF tones, or 'end' to end the call."
)

var errEmptyCompletion = errors.New("empty completion")

// Reasoner turns an accumulated prompt into a directive with a fixed retry
// budget.  It never returns an error; exhaustion yields FallbackDirective.
type Reasoner struct {
	client      Client
	maxAttempts int
	delay       time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewReasoner wraps client.  maxAttempts counts the first request; delay is
// the fixed pause between attempts.
func NewReasoner(client Client, maxAttempts int, delay time.Duration, logger *zap.Logger, m *metrics.Metrics) *Reasoner {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reasoner{
		client:      client,
		maxAttempts: maxAttempts,
		delay:       delay,
		logger:      logger,
		metrics:     m,
	}
}

// Complete asks the backend for the next directive.  It blocks the calling
// goroutine for at most maxAttempts requests plus (maxAttempts-1)*delay.
func (r *Reasoner) Complete(ctx context.Context, prompt string) string {
	traceID := uuid.NewString()
	log := r.logger.With(zap.String("trace_id", traceID))

	messages := []Message{
		{Role: "system", Content: CallerSystemPrompt},
		{Role: "user", Content: prompt},
	}

	var attempt atomic.Int32
	b := retry.WithMaxRetries(uint64(r.maxAttempts-1), retry.NewConstant(r.delay))
	directive, err := retry.DoValue(ctx, b, func(ctx context.Context) (string, error) {
		n := attempt.Add(1)
		out, err := r.client.Chat(ctx, messages)
		if err == nil && strings.TrimSpace(out) == "" {
			err = errEmptyCompletion
		}
		if err != nil {
			r.metrics.ReasoningAttempt("error")
			log.Warn("reasoning attempt failed",
				zap.Int32("attempt", n),
				zap.Int("max_attempts", r.maxAttempts),
				zap.Error(err))
			return "", retry.RetryableError(err)
		}
		r.metrics.ReasoningAttempt("ok")
		return strings.TrimSpace(out), nil
	})
	if err != nil {
		r.metrics.ReasoningFallback()
		log.Error("reasoning retries exhausted, using fallback directive",
			zap.Int32("attempts", attempt.Load()),
			zap.Error(err))
		return FallbackDirective
	}
	return directive
}

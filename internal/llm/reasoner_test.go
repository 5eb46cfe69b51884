package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parthasarathi-encipherhealth/ar-sip/internal/metrics"
)

type scriptedClient struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	calls    []time.Time
	messages [][]Message
}

func (c *scriptedClient) Chat(_ context.Context, messages []Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.calls)
	c.calls = append(c.calls, time.Now())
	c.messages = append(c.messages, messages)
	var reply string
	var err error
	if i < len(c.replies) {
		reply = c.replies[i]
	}
	if i < len(c.errs) {
		err = c.errs[i]
	}
	return reply, err
}

func repeatErr(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func TestReasoner_ExhaustionReturnsFallback(t *testing.T) {
	const delay = 20 * time.Millisecond
	client := &scriptedClient{errs: repeatErr(errors.New("connection refused"), 10)}
	m := metrics.New("test")
	r := NewReasoner(client, 5, delay, zap.NewNop(), m)

	got := r.Complete(context.Background(), "transcript")

	assert.Equal(t, FallbackDirective, got)
	require.Len(t, client.calls, 5)
	for i := 1; i < len(client.calls); i++ {
		gap := client.calls[i].Sub(client.calls[i-1])
		assert.GreaterOrEqual(t, gap, delay, "gap before attempt %d", i+1)
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ReasoningAttempts.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReasoningFallbacks))
}

func TestReasoner_RecoversAfterTransientFailures(t *testing.T) {
	client := &scriptedClient{
		errs:    []error{errors.New("502"), errors.New("timeout"), nil},
		replies: []string{"", "", "  say: Please hold.  "},
	}
	r := NewReasoner(client, 5, time.Millisecond, zap.NewNop(), nil)

	got := r.Complete(context.Background(), "transcript")

	assert.Equal(t, "say: Please hold.", got)
	assert.Len(t, client.calls, 3)
}

func TestReasoner_EmptyCompletionIsRetried(t *testing.T) {
	client := &scriptedClient{replies: []string{"", "   ", "end"}}
	r := NewReasoner(client, 5, time.Millisecond, zap.NewNop(), nil)

	assert.Equal(t, "end", r.Complete(context.Background(), "p"))
	assert.Len(t, client.calls, 3)
}

func TestReasoner_SendsSystemAndPrompt(t *testing.T) {
	client := &scriptedClient{replies: []string{"play: 1w2"}}
	r := NewReasoner(client, 1, time.Millisecond, zap.NewNop(), nil)

	r.Complete(context.Background(), "ivr: Hello")

	require.Len(t, client.messages, 1)
	msgs := client.messages[0]
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, CallerSystemPrompt, msgs[0].Content)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "ivr: Hello", msgs[1].Content)
}

func TestReasoner_CanceledContextFallsBack(t *testing.T) {
	client := &scriptedClient{errs: repeatErr(errors.New("down"), 10)}
	r := NewReasoner(client, 5, time.Hour, zap.NewNop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Equal(t, FallbackDirective, r.Complete(ctx, "p"))
	assert.Len(t, client.calls, 1)
}

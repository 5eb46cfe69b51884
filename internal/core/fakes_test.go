package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/parthasarathi-encipherhealth/ar-sip/pkg"
)

type telCall struct {
	Op      string
	Channel string
	Arg     string
}

type fakeTelephony struct {
	mu        sync.Mutex
	calls     []telCall
	answerErr error
	speakErr  error
}

func (f *fakeTelephony) record(op, ch, arg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, telCall{Op: op, Channel: ch, Arg: arg})
}

func (f *fakeTelephony) Answer(_ context.Context, ch string) error {
	f.record("answer", ch, "")
	return f.answerErr
}

func (f *fakeTelephony) StartRecording(_ context.Context, ch string) (string, error) {
	f.record("record", ch, "")
	return "rec-" + ch, nil
}

func (f *fakeTelephony) Speak(_ context.Context, ch, text string) error {
	f.record("speak", ch, text)
	return f.speakErr
}

func (f *fakeTelephony) PlayDigits(_ context.Context, ch, digits string) error {
	f.record("play", ch, digits)
	return nil
}

func (f *fakeTelephony) Hangup(_ context.Context, ch string) error {
	f.record("hangup", ch, "")
	return nil
}

func (f *fakeTelephony) ops(op string) []telCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []telCall
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTelephony) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeReasoner returns scripted directives.  When gate is set every call
// blocks on it after signalling entered.
type fakeReasoner struct {
	mu       sync.Mutex
	replies  []string
	prompts  []string
	gate     chan struct{}
	entered  chan string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeReasoner) Complete(_ context.Context, prompt string) string {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	f.mu.Lock()
	i := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	reply := "say: ok"
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- prompt
	}
	if f.gate != nil {
		<-f.gate
	}
	return reply
}

func (f *fakeReasoner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakePersistence struct {
	mu      sync.Mutex
	records []pkg.CallRecord
	turns   map[string][]pkg.ConversationTurn
	fail    bool
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{turns: make(map[string][]pkg.ConversationTurn)}
}

func (f *fakePersistence) UpsertCallRecord(_ context.Context, rec pkg.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("db unavailable")
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakePersistence) AppendConversationTurn(_ context.Context, callID string, turn pkg.ConversationTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("db unavailable")
	}
	f.turns[callID] = append(f.turns[callID], turn)
	return nil
}

func (f *fakePersistence) turnCount(callID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns[callID])
}

func (f *fakePersistence) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakePersistence) lastRecord() pkg.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return pkg.CallRecord{}
	}
	return f.records[len(f.records)-1]
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages map[string][]pkg.ObserverMessage
	bound    bool
}

func newFakeNotifier(bound bool) *fakeNotifier {
	return &fakeNotifier{messages: make(map[string][]pkg.ObserverMessage), bound: bound}
}

func (f *fakeNotifier) Notify(callID string, msg pkg.ObserverMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bound {
		return false
	}
	f.messages[callID] = append(f.messages[callID], msg)
	return true
}

func (f *fakeNotifier) sent(callID string) []pkg.ObserverMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pkg.ObserverMessage, len(f.messages[callID]))
	copy(out, f.messages[callID])
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	dials []string
	err   error
}

func (f *fakeDialer) Dial(_ context.Context, callID, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, fmt.Sprintf("%s->%s", callID, phone))
	return f.err
}

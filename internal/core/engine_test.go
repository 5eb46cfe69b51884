package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parthasarathi-encipherhealth/ar-sip/pkg"
)

type harness struct {
	engine   *Engine
	tel      *fakeTelephony
	reasoner *fakeReasoner
	persist  *fakePersistence
	notifier *fakeNotifier
	dialer   *fakeDialer
}

func newHarness(t *testing.T, reasoner *fakeReasoner) *harness {
	t.Helper()
	if reasoner == nil {
		reasoner = &fakeReasoner{}
	}
	h := &harness{
		tel:      &fakeTelephony{},
		reasoner: reasoner,
		persist:  newFakePersistence(),
		notifier: newFakeNotifier(true),
		dialer:   &fakeDialer{},
	}
	h.engine = NewEngine(NewStore(), Deps{
		Reasoner:    h.reasoner,
		Telephony:   h.tel,
		Dialer:      h.dialer,
		Persistence: h.persist,
		Notifier:    h.notifier,
	}, Options{
		EndPressExtra:      1,
		DefaultEndKeywords: []string{"goodbye"},
		QueueDepth:         64,
	}, zap.NewNop(), nil)

	var seq atomic.Int32
	h.engine.newID = func() string { return fmt.Sprintf("call-%d", seq.Add(1)) }

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.engine.Close(ctx)
	})
	return h
}

func patient(id string, dates ...string) pkg.PatientRecord {
	return pkg.PatientRecord{ID: id, Name: "Jane Doe", PhoneNumber: "+15550100", DOS: dates}
}

// startOnChannel places a call and binds it to channelID through the event
// stream path.
func (h *harness) startOnChannel(t *testing.T, p pkg.PatientRecord, channelID string) string {
	t.Helper()
	ctx := context.Background()
	callID, err := h.engine.StartCall(ctx, p, PendingPrompt{SystemPrompt: "Ask about claim 42."})
	require.NoError(t, err)
	_, err = h.engine.OpenChannel(ctx, channelID, callID, p.PhoneNumber)
	require.NoError(t, err)
	return callID
}

func TestEngine_SayDirectiveSpeaksAndAppends(t *testing.T) {
	h := newHarness(t, &fakeReasoner{replies: []string{"say: Hi there.", "say: Please hold."}})
	ctx := context.Background()
	callID := h.startOnChannel(t, patient("p1"), "ch-1")

	_, err := h.engine.HandleRecording(ctx, "ch-1", "Hello")
	require.NoError(t, err)
	act, err := h.engine.HandleRecording(ctx, "ch-1", "I want to check claim status")
	require.NoError(t, err)

	assert.Equal(t, Action{Type: ActionSay, Text: "Please hold."}, act)

	speaks := h.tel.ops("speak")
	require.NotEmpty(t, speaks)
	assert.Equal(t, telCall{Op: "speak", Channel: "ch-1", Arg: "Please hold."}, speaks[len(speaks)-1])

	snap, ok := h.engine.Snapshot(callID)
	require.True(t, ok)
	chat := snap.Chat
	require.Len(t, chat, 5)
	assert.Equal(t, pkg.SpeakerAR, chat[0].Speaker)
	assert.Equal(t, Greeting, chat[0].Message)
	assert.Equal(t, "Hello", chat[1].Message)
	assert.Equal(t, "I want to check claim status", chat[3].Message)
	assert.Equal(t, pkg.SpeakerAR, chat[4].Speaker)
	assert.Equal(t, "say: Please hold.", chat[4].Message)

	// The second prompt carries the system prompt and the whole transcript.
	h.reasoner.mu.Lock()
	prompt := h.reasoner.prompts[1]
	h.reasoner.mu.Unlock()
	assert.Contains(t, prompt, "Ask about claim 42.")
	assert.Contains(t, prompt, "ivr: Hello\nar: say: Hi there.\nivr: I want to check claim status")
}

func TestEngine_PlayDirectiveStripsPauses(t *testing.T) {
	h := newHarness(t, &fakeReasoner{replies: []string{"play: 1w2w3"}})
	callID := h.startOnChannel(t, patient("p1"), "ch-1")

	act, err := h.engine.HandleRecording(context.Background(), "ch-1", "Enter your provider number")
	require.NoError(t, err)

	assert.Equal(t, Action{Type: ActionPlay, Digits: "123"}, act)
	assert.Equal(t, []telCall{{Op: "play", Channel: "ch-1", Arg: "123"}}, h.tel.ops("play"))

	snap, _ := h.engine.Snapshot(callID)
	last := snap.Chat[len(snap.Chat)-1]
	assert.Equal(t, pkg.SpeakerAR, last.Speaker)
	assert.Equal(t, "play: 1w2w3", last.Message)

	assert.Eventually(t, func() bool {
		for _, m := range h.notifier.sent(callID) {
			if m.Source == "ar" && m.Message == "123" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_EndKeywordPressesThenHangsUp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	callID := h.startOnChannel(t, patient("p1", "2024-01-02", "2024-02-03"), "ch-1")

	var actions []Action
	for i := 0; i < 4; i++ {
		act, err := h.engine.HandleRecording(ctx, "ch-1", "Thank you, GOODBYE")
		require.NoError(t, err)
		actions = append(actions, act)
		if i < 3 {
			s, ok := h.engine.Store().Get(callID)
			require.True(t, ok)
			assert.Equal(t, i+1, s.EndCount())
			assert.Equal(t, pkg.StatusEnding, s.Status())
		}
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, Action{Type: ActionPlay, Digits: "2"}, actions[i])
	}
	assert.Equal(t, ActionHangup, actions[3].Type)
	assert.Len(t, h.tel.ops("play"), 3)
	assert.Equal(t, []telCall{{Op: "hangup", Channel: "ch-1"}}, h.tel.ops("hangup"))
	assert.Zero(t, h.reasoner.callCount())

	_, live := h.engine.Store().Get(callID)
	assert.False(t, live)
	assert.Eventually(t, func() bool {
		return h.persist.lastRecord().Status == pkg.StatusEnded
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_EndCounterBelongsToCall(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := patient("p1", "2024-01-02")
	a := h.startOnChannel(t, p, "ch-a")
	b := h.startOnChannel(t, p, "ch-b")

	_, err := h.engine.HandleRecording(ctx, "ch-a", "goodbye")
	require.NoError(t, err)
	_, err = h.engine.HandleRecording(ctx, "ch-a", "goodbye")
	require.NoError(t, err)
	_, err = h.engine.HandleRecording(ctx, "ch-b", "goodbye")
	require.NoError(t, err)

	sa, _ := h.engine.Store().Get(a)
	sb, _ := h.engine.Store().Get(b)
	assert.Equal(t, 2, sa.EndCount())
	assert.Equal(t, 1, sb.EndCount())
}

func TestEngine_EndCounterBound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	callID := h.startOnChannel(t, patient("p1"), "ch-1")
	s, _ := h.engine.Store().Get(callID)

	prev := 0
	for i := 0; i < 5; i++ {
		_, _ = h.engine.HandleRecording(ctx, "ch-1", "goodbye")
		c := s.EndCount()
		assert.GreaterOrEqual(t, c, prev)
		assert.LessOrEqual(t, c, 1, "no service dates: bound is 0+1")
		prev = c
	}
	assert.Len(t, h.tel.ops("hangup"), 1)
}

func TestEngine_EmptyUtteranceRedirectsWithoutMutation(t *testing.T) {
	h := newHarness(t, nil)
	callID := h.startOnChannel(t, patient("p1"), "ch-1")
	before, _ := h.engine.Snapshot(callID)

	for _, text := range []string{"", "   "} {
		act, err := h.engine.HandleUtterance(context.Background(), Utterance{CallID: callID, Text: text})
		require.NoError(t, err)
		assert.Equal(t, Action{Type: ActionRedirect}, act)
	}

	after, _ := h.engine.Snapshot(callID)
	assert.Equal(t, len(before.Chat), len(after.Chat))
	assert.Zero(t, h.reasoner.callCount())
}

func TestEngine_UnrecognizedDirectiveRedirectsSilently(t *testing.T) {
	h := newHarness(t, &fakeReasoner{replies: []string{"I am not sure what to do"}})
	h.startOnChannel(t, patient("p1"), "ch-1")
	before := h.tel.count()

	act, err := h.engine.HandleRecording(context.Background(), "ch-1", "Please hold")
	require.NoError(t, err)

	assert.Equal(t, Action{Type: ActionRedirect}, act)
	assert.Equal(t, before, h.tel.count())
}

func TestEngine_EndDirectiveHangsUp(t *testing.T) {
	h := newHarness(t, &fakeReasoner{replies: []string{"END"}})
	callID := h.startOnChannel(t, patient("p1"), "ch-1")

	act, err := h.engine.HandleRecording(context.Background(), "ch-1", "Your claim was paid")
	require.NoError(t, err)

	assert.Equal(t, ActionHangup, act.Type)
	assert.Len(t, h.tel.ops("hangup"), 1)
	_, live := h.engine.Store().Get(callID)
	assert.False(t, live)
}

func TestEngine_GatherPathDoesNotDriveChannel(t *testing.T) {
	h := newHarness(t, &fakeReasoner{replies: []string{"say: Claim status please."}})
	ctx := context.Background()
	_, err := h.engine.StartCall(ctx, patient("p1"), PendingPrompt{})
	require.NoError(t, err)

	act, err := h.engine.HandleUtterance(ctx, Utterance{PatientID: "p1", Text: "How can I help?"})
	require.NoError(t, err)

	assert.Equal(t, Action{Type: ActionSay, Text: "Claim status please."}, act)
	assert.Zero(t, h.tel.count())
}

func TestEngine_GatherCreatesSessionOnFirstObservation(t *testing.T) {
	h := newHarness(t, nil)
	act, err := h.engine.HandleUtterance(context.Background(), Utterance{CallID: "sid-9", PatientID: "p7", Text: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, ActionSay, act.Type)

	s, ok := h.engine.Store().Get("sid-9")
	require.True(t, ok)
	assert.Equal(t, "p7", s.PatientID)
	assert.Equal(t, pkg.StatusInProgress, s.Status())
}

func TestEngine_GatherEndKeywordHangsUpByCallID(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var actions []Action
	for i := 0; i < 2; i++ {
		act, err := h.engine.HandleUtterance(ctx, Utterance{CallID: "sid-1", PatientID: "p1", Text: "ok goodbye", Via: ViaGather})
		require.NoError(t, err)
		actions = append(actions, act)
	}

	assert.Equal(t, Action{Type: ActionPlay, Digits: "2"}, actions[0])
	assert.Equal(t, ActionHangup, actions[1].Type)
	assert.Empty(t, h.tel.ops("play"))
	assert.Equal(t, []telCall{{Op: "hangup", Channel: "sid-1"}}, h.tel.ops("hangup"))
	_, live := h.engine.Store().Get("sid-1")
	assert.False(t, live)
}

func TestEngine_GatherAdoptsTriggeredCall(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	callID, err := h.engine.StartCall(ctx, patient("p1"), PendingPrompt{})
	require.NoError(t, err)

	act, err := h.engine.HandleUtterance(ctx, Utterance{CallID: "sid-1", PatientID: "p1", Text: "goodbye", Via: ViaGather})
	require.NoError(t, err)
	assert.Equal(t, Action{Type: ActionPlay, Digits: "2"}, act)

	s, ok := h.engine.Store().Get(callID)
	require.True(t, ok)
	assert.Equal(t, "sid-1", s.GatewayID())
	assert.Equal(t, pkg.StatusEnding, s.Status())
	assert.Equal(t, 1, h.engine.Store().Len())

	act, err = h.engine.HandleUtterance(ctx, Utterance{CallID: "sid-1", PatientID: "p1", Text: "goodbye", Via: ViaGather})
	require.NoError(t, err)
	assert.Equal(t, ActionHangup, act.Type)

	assert.Zero(t, h.engine.Store().Len())
	assert.Empty(t, h.engine.Snapshots())
	assert.Equal(t, []telCall{{Op: "hangup", Channel: "sid-1"}}, h.tel.ops("hangup"))
	assert.Eventually(t, func() bool {
		rec := h.persist.lastRecord()
		return rec.ID == callID && rec.Status == pkg.StatusEnded
	}, time.Second, 5*time.Millisecond)

	// Neither id brings the call back.
	_, err = h.engine.HandleUtterance(ctx, Utterance{CallID: "sid-1", PatientID: "p1", Text: "hello?", Via: ViaGather})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.engine.HandleUtterance(ctx, Utterance{CallID: callID, PatientID: "p1", Text: "hello?", Via: ViaGather})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Zero(t, h.engine.Store().Len())
}

func TestEngine_GatherDoesNotAdoptAnsweredCall(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.startOnChannel(t, patient("p1"), "ch-1")

	_, err := h.engine.HandleUtterance(ctx, Utterance{CallID: "sid-2", PatientID: "p1", Text: "Hello", Via: ViaGather})
	require.NoError(t, err)

	s, ok := h.engine.Store().Get("sid-2")
	require.True(t, ok)
	assert.Equal(t, "sid-2", s.CallID)
	assert.Equal(t, 2, h.engine.Store().Len())
}

func TestEngine_EndCallWithoutChannelHangsUp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.engine.HandleUtterance(ctx, Utterance{CallID: "sid-3", PatientID: "p1", Text: "Hello", Via: ViaGather})
	require.NoError(t, err)

	require.NoError(t, h.engine.EndCall(ctx, "sid-3"))
	assert.Equal(t, []telCall{{Op: "hangup", Channel: "sid-3"}}, h.tel.ops("hangup"))
	assert.Zero(t, h.engine.Store().Len())
}

func TestEngine_LateDirectiveAfterEvictionIsNoop(t *testing.T) {
	r := &fakeReasoner{
		replies: []string{"say: too late"},
		gate:    make(chan struct{}),
		entered: make(chan string, 1),
	}
	h := newHarness(t, r)
	callID := h.startOnChannel(t, patient("p1"), "ch-1")

	done := make(chan Action, 1)
	go func() {
		act, _ := h.engine.HandleRecording(context.Background(), "ch-1", "One moment")
		done <- act
	}()

	<-r.entered
	assert.True(t, h.engine.EvictChannel("ch-1"))
	close(r.gate)

	act := <-done
	assert.Equal(t, ActionNone, act.Type)
	for _, c := range h.tel.ops("speak") {
		assert.NotEqual(t, "too late", c.Arg)
	}
	_, live := h.engine.Store().Get(callID)
	assert.False(t, live)
}

func TestEngine_EvictChannelIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.startOnChannel(t, patient("p1"), "ch-1")

	assert.True(t, h.engine.ChannelLive("ch-1"))
	require.True(t, h.engine.EvictChannel("ch-1"))
	assert.False(t, h.engine.ChannelLive("ch-1"))
	require.Eventually(t, func() bool {
		return h.persist.lastRecord().Status == pkg.StatusEnded
	}, time.Second, 5*time.Millisecond)
	records := h.persist.recordCount()

	assert.False(t, h.engine.EvictChannel("ch-1"))
	assert.False(t, h.engine.EvictChannel("never-seen"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, records, h.persist.recordCount())
}

func TestEngine_SerializesPerCallAndParallelizesAcrossCalls(t *testing.T) {
	r := &fakeReasoner{gate: make(chan struct{}), entered: make(chan string, 16)}
	h := newHarness(t, r)
	ctx := context.Background()
	h.startOnChannel(t, patient("p1"), "ch-a")
	h.startOnChannel(t, patient("p2"), "ch-b")

	var wg sync.WaitGroup
	for _, ch := range []string{"ch-a", "ch-a", "ch-b"} {
		wg.Add(1)
		go func(ch string) {
			defer wg.Done()
			_, _ = h.engine.HandleRecording(ctx, ch, "Please continue")
		}(ch)
	}

	// Both calls reach the reasoner while the second ch-a utterance waits.
	<-r.entered
	<-r.entered
	assert.Equal(t, int32(2), r.inFlight.Load())
	close(r.gate)
	wg.Wait()

	assert.Equal(t, 3, r.callCount())
	assert.Equal(t, int32(2), r.maxSeen.Load())

	transcriptA, _ := h.engine.Snapshot("call-1")
	var speakers []pkg.Speaker
	for _, turn := range transcriptA.Chat[1:] {
		speakers = append(speakers, turn.Speaker)
	}
	assert.Equal(t, []pkg.Speaker{pkg.SpeakerIVR, pkg.SpeakerAR, pkg.SpeakerIVR, pkg.SpeakerAR}, speakers)
}

func TestEngine_ProgressWithoutObserverOrPersistence(t *testing.T) {
	h := newHarness(t, &fakeReasoner{replies: []string{"say: Thanks."}})
	h.notifier.bound = false
	h.persist.fail = true
	h.startOnChannel(t, patient("p1"), "ch-1")

	act, err := h.engine.HandleRecording(context.Background(), "ch-1", "Go ahead")
	require.NoError(t, err)
	assert.Equal(t, Action{Type: ActionSay, Text: "Thanks."}, act)
}

func TestEngine_SideEffectsMirrorTranscript(t *testing.T) {
	h := newHarness(t, &fakeReasoner{replies: []string{"say: Checking the pan number."}})
	callID := h.startOnChannel(t, patient("p1"), "ch-1")

	_, err := h.engine.HandleRecording(context.Background(), "ch-1", "What is the pan?")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.persist.turnCount(callID) == 3 }, time.Second, 5*time.Millisecond)
	msgs := h.notifier.sent(callID)
	require.Len(t, msgs, 3)
	assert.Equal(t, StatusMessageReceived, msgs[1].Status)
	assert.Equal(t, "What is the pTan?", msgs[1].Message)
	assert.Equal(t, "ivr", msgs[1].Source)
	assert.Equal(t, "Checking the pan number.", msgs[2].Message)
	assert.NotEmpty(t, msgs[1].ID)
}

func TestEngine_StartCallDialsAndPersists(t *testing.T) {
	h := newHarness(t, nil)
	callID, err := h.engine.StartCall(context.Background(), patient("p1"), PendingPrompt{})
	require.NoError(t, err)
	assert.Equal(t, "call-1", callID)
	assert.Equal(t, []string{"call-1->+15550100"}, h.dialer.dials)

	s, ok := h.engine.Store().Get(callID)
	require.True(t, ok)
	assert.Equal(t, pkg.StatusInitiated, s.Status())
	assert.Equal(t, DefaultCallPrompt, s.Prompt.SystemPrompt)
	assert.Equal(t, []string{"goodbye"}, s.Prompt.EndKeywords)
	assert.Eventually(t, func() bool { return h.persist.recordCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err = h.engine.StartCall(context.Background(), pkg.PatientRecord{}, PendingPrompt{})
	assert.Error(t, err)
}

func TestEngine_DialFailureKeepsCallInitiated(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.err = errors.New("trunk down")

	callID, err := h.engine.StartCall(context.Background(), patient("p1"), PendingPrompt{})
	require.NoError(t, err)
	s, ok := h.engine.Store().Get(callID)
	require.True(t, ok)
	assert.Equal(t, pkg.StatusInitiated, s.Status())
}

func TestEngine_AnswerFailureIsReturned(t *testing.T) {
	h := newHarness(t, nil)
	h.tel.answerErr = errors.New("channel gone")

	_, err := h.engine.OpenChannel(context.Background(), "ch-1", "", "+15550199")
	require.Error(t, err)
	assert.Empty(t, h.tel.ops("record"))
}

func TestEngine_InboundChannelMatchesPatientByPhone(t *testing.T) {
	h := newHarness(t, nil)
	p := patient("p1", "2024-01-01")
	_, err := h.engine.StartCall(context.Background(), p, PendingPrompt{EndKeywords: []string{"bye"}})
	require.NoError(t, err)

	s, err := h.engine.OpenChannel(context.Background(), "ch-in", "", p.PhoneNumber)
	require.NoError(t, err)
	assert.Equal(t, "p1", s.PatientID)
	assert.Equal(t, []string{"bye"}, s.Prompt.EndKeywords)
	assert.Equal(t, "ch-in", s.ChannelID())
}

func TestEngine_EndCallAndEndAll(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.startOnChannel(t, patient("p1"), "ch-a")
	h.startOnChannel(t, patient("p2"), "ch-b")
	h.startOnChannel(t, patient("p3"), "ch-c")

	require.NoError(t, h.engine.EndCall(ctx, a))
	assert.ErrorIs(t, h.engine.EndCall(ctx, a), ErrSessionNotFound)

	assert.Equal(t, 2, h.engine.EndAll(ctx))
	assert.Zero(t, h.engine.Store().Len())
	assert.Len(t, h.tel.ops("hangup"), 3)

	// A destroyed event arriving after the hangup changes nothing.
	assert.False(t, h.engine.EvictChannel("ch-a"))

	// Ended calls are not resurrected by late gathers.
	act, err := h.engine.HandleUtterance(ctx, Utterance{CallID: a, Text: "hello?"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, ActionNone, act.Type)
}

func TestEngine_DigitAndTypingReachObserver(t *testing.T) {
	h := newHarness(t, nil)
	callID := h.startOnChannel(t, patient("p1"), "ch-1")

	require.NoError(t, h.engine.HandleDigit("ch-1", "5"))
	assert.ErrorIs(t, h.engine.HandleDigit("ch-x", "5"), ErrSessionNotFound)
	h.engine.NotifyTyping(callID)

	assert.Eventually(t, func() bool {
		msgs := h.notifier.sent(callID)
		if len(msgs) < 3 {
			return false
		}
		return msgs[1].Status == StatusDigitReceived && msgs[1].Message == "5" && msgs[2].Status == StatusTyping
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_Snapshots(t *testing.T) {
	h := newHarness(t, nil)
	h.startOnChannel(t, patient("p1"), "ch-a")
	h.startOnChannel(t, patient("p2"), "ch-b")

	snaps := h.engine.Snapshots()
	require.Len(t, snaps, 2)
	ids := []string{snaps[0].ID, snaps[1].ID}
	assert.ElementsMatch(t, []string{"call-1", "call-2"}, ids)
	for _, s := range snaps {
		assert.Equal(t, pkg.StatusInProgress, s.Status)
		assert.NotEmpty(t, s.ChannelID)
	}
}

package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parthasarathi-encipherhealth/ar-sip/internal/metrics"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/queue"
	"github.com/parthasarathi-encipherhealth/ar-sip/pkg"
)

// Observer statuses.
const (
	StatusMessageReceived = "Message received"
	StatusTyping          = "Typing"
	StatusDigitReceived   = "Digit received"
	StatusCallEnded       = "Call ended"
)

const (
	effectTimeout = 10 * time.Second
	retiredTTL    = time.Hour
)

// ActionType is what the telephony side should do after a transition.
type ActionType string

const (
	// ActionNone means the call is gone and nothing should be done.
	ActionNone     ActionType = "none"
	ActionRedirect ActionType = "redirect"
	ActionSay      ActionType = "say"
	ActionPlay     ActionType = "play"
	ActionHangup   ActionType = "hangup"
)

// Action is the outcome of a transition.  Redirect-based flows render it as
// a response; the recording flow has already executed it on the channel.
type Action struct {
	Type   ActionType
	Text   string
	Digits string
}

// Via tells which entry path produced an utterance.
type Via int

const (
	// ViaGather is the redirect-based flow.  Actions are rendered by the
	// caller and only hangups reach the telephony port.
	ViaGather Via = iota
	// ViaRecording is the event-stream flow.  Actions are executed on the
	// channel by the engine.
	ViaRecording
)

// Utterance is remote-party speech entering the engine.  At least one of
// CallID, ChannelID or PatientID identifies the call.
type Utterance struct {
	CallID    string
	ChannelID string
	PatientID string
	Text      string
	Via       Via
}

// Options tunes the engine.
type Options struct {
	// EndPressExtra is added to the patient's number of service dates to
	// get how many times "2" is pressed before hanging up.
	EndPressExtra int
	// DefaultEndKeywords apply when a call was triggered without any.
	DefaultEndKeywords []string
	// QueueDepth bounds the pending side effects per call.
	QueueDepth int
}

// Deps are the ports the engine drives.  Nil ports are replaced by no-ops.
type Deps struct {
	Reasoner    Reasoner
	Telephony   Telephony
	Dialer      Dialer
	Persistence Persistence
	Notifier    Notifier
}

// Engine is the per-call dialog state machine.
type Engine struct {
	store     *Store
	reasoner  Reasoner
	telephony Telephony
	dialer    Dialer
	persist   Persistence
	notifier  Notifier
	effects   *queue.Keyed
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	patients map[string]pkg.PatientRecord
	prompts  map[string]PendingPrompt

	retiredMu sync.Mutex
	retired   map[string]time.Time

	now   func() time.Time
	newID func() string
}

// NewEngine builds an engine over store.  A nil store gets a fresh one.
func NewEngine(store *Store, deps Deps, opts Options, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if store == nil {
		store = NewStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EndPressExtra < 0 {
		opts.EndPressExtra = 0
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 64
	}
	e := &Engine{
		store:     store,
		reasoner:  deps.Reasoner,
		telephony: deps.Telephony,
		dialer:    deps.Dialer,
		persist:   deps.Persistence,
		notifier:  deps.Notifier,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		patients:  make(map[string]pkg.PatientRecord),
		prompts:   make(map[string]PendingPrompt),
		retired:   make(map[string]time.Time),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	if e.reasoner == nil {
		e.reasoner = nopReasoner{}
	}
	if e.telephony == nil {
		e.telephony = nopTelephony{}
	}
	if e.dialer == nil {
		e.dialer = nopDialer{}
	}
	if e.persist == nil {
		e.persist = nopPersistence{}
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	e.effects = queue.NewKeyed("effects", opts.QueueDepth, logger, func() { m.DroppedTask("effects") })
	return e
}

// Store exposes the session store.
func (e *Engine) Store() *Store { return e.store }

// Close drains pending side effects.
func (e *Engine) Close(ctx context.Context) error {
	return e.effects.Close(ctx)
}

// StartCall caches the patient and prompt, creates the session and places
// the outbound call.  A dial failure is logged and leaves the call
// INITIATED.
func (e *Engine) StartCall(ctx context.Context, patient pkg.PatientRecord, prompt PendingPrompt) (string, error) {
	if strings.TrimSpace(patient.ID) == "" {
		return "", errors.New("patient id is required")
	}
	prompt = e.remember(patient, prompt)

	sess, err := e.createSession(e.newID(), "", patient, prompt)
	if err != nil {
		return "", err
	}

	log := e.logger.With(zap.String("call_id", sess.CallID), zap.String("patient_id", patient.ID))
	if patient.PhoneNumber == "" {
		log.Warn("patient has no phone number, call not dialed")
		return sess.CallID, nil
	}
	if err := e.dialer.Dial(ctx, sess.CallID, patient.PhoneNumber); err != nil {
		log.Error("failed to place call", zap.Error(err))
		return sess.CallID, nil
	}
	log.Info("call placed")
	return sess.CallID, nil
}

// OpenChannel handles a channel entering the application: it binds the
// channel to its call (creating the session on first observation), answers,
// starts recording and speaks the greeting.  Only a failed answer is
// returned; the call cannot proceed without it.
func (e *Engine) OpenChannel(ctx context.Context, channelID, callID, callerNumber string) (*Session, error) {
	sess, err := e.resolveChannel(channelID, callID, callerNumber)
	if err != nil {
		return nil, err
	}
	log := e.logger.With(zap.String("call_id", sess.CallID), zap.String("channel_id", channelID))

	if err := e.telephony.Answer(ctx, channelID); err != nil {
		log.Error("failed to answer channel, call cannot proceed", zap.Error(err))
		return sess, fmt.Errorf("answer channel %s: %w", channelID, err)
	}
	if _, err := e.telephony.StartRecording(ctx, channelID); err != nil {
		log.Warn("failed to start recording", zap.Error(err))
	}

	err = e.store.With(sess.CallID, func(s *Session) error {
		s.setStatus(pkg.StatusInProgress, e.now())
		e.appendTurn(s, pkg.SpeakerAR, Greeting, Greeting)
		return nil
	})
	if err != nil {
		return sess, err
	}
	if err := e.telephony.Speak(ctx, channelID, Greeting); err != nil {
		log.Warn("failed to speak greeting", zap.Error(err))
	}
	e.persistRecord(sess)
	log.Info("channel opened")
	return sess, nil
}

// HandleRecording feeds a transcribed recording of channelID into the
// dialog.  Actions are executed on the channel.
func (e *Engine) HandleRecording(ctx context.Context, channelID, text string) (Action, error) {
	return e.HandleUtterance(ctx, Utterance{ChannelID: channelID, Text: text, Via: ViaRecording})
}

// HandleUtterance runs one dialog transition for remote-party speech.
// Transitions of the same call never overlap; different calls run in
// parallel.
func (e *Engine) HandleUtterance(ctx context.Context, u Utterance) (Action, error) {
	if strings.TrimSpace(u.Text) == "" {
		return Action{Type: ActionRedirect}, nil
	}

	sess, err := e.resolveUtterance(u)
	if err != nil {
		return Action{Type: ActionNone}, err
	}

	var act Action
	err = e.store.With(sess.CallID, func(s *Session) error {
		act = e.transition(ctx, s, u)
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		// Ended while this utterance waited for the call.
		return Action{Type: ActionNone}, nil
	}
	return act, err
}

func (e *Engine) transition(ctx context.Context, s *Session, u Utterance) Action {
	log := e.logger.With(zap.String("call_id", s.CallID), zap.String("patient_id", s.PatientID))

	if s.Status() == pkg.StatusInitiated {
		s.setStatus(pkg.StatusInProgress, e.now())
	}
	e.appendTurn(s, pkg.SpeakerIVR, u.Text, sanitizeRemote(u.Text))

	if containsAny(u.Text, s.Prompt.EndKeywords) {
		log.Info("end keyword matched")
		return e.stepEnd(ctx, s, u.Via)
	}

	raw := e.reasoner.Complete(ctx, renderPrompt(s))
	if s.Evicted() {
		log.Info("call ended while reasoning, dropping directive", zap.String("directive", raw))
		return Action{Type: ActionNone}
	}

	d := ParseDirective(raw)
	switch d.Kind {
	case DirectivePlay:
		e.appendTurn(s, pkg.SpeakerAR, d.Raw, d.Digits)
		if u.Via == ViaRecording {
			e.playDigits(ctx, s, d.Digits)
		}
		return Action{Type: ActionPlay, Digits: d.Digits}
	case DirectiveSay:
		e.appendTurn(s, pkg.SpeakerAR, d.Raw, d.Text)
		if u.Via == ViaRecording {
			e.speak(ctx, s, d.Text)
		}
		return Action{Type: ActionSay, Text: d.Text}
	case DirectiveEnd:
		e.appendTurn(s, pkg.SpeakerAR, d.Raw, d.Raw)
		return e.hangup(ctx, s)
	default:
		// Unrecognized directives redirect without acting on the channel.
		e.appendTurn(s, pkg.SpeakerAR, d.Raw, d.Raw)
		log.Info("unrecognized directive, redirecting", zap.String("directive", d.Raw))
		return Action{Type: ActionRedirect}
	}
}

// stepEnd presses "2" until the patient's service dates are stepped through,
// then hangs up.
func (e *Engine) stepEnd(ctx context.Context, s *Session, via Via) Action {
	threshold := len(s.Patient.DOS) + e.opts.EndPressExtra

	s.mu.Lock()
	s.status = pkg.StatusEnding
	s.updatedAt = e.now()
	press := s.endCount < threshold
	if press {
		s.endCount++
	}
	count := s.endCount
	s.mu.Unlock()

	if !press {
		return e.hangup(ctx, s)
	}

	e.metrics.EndPress()
	e.logger.Debug("stepping through end prompts",
		zap.String("call_id", s.CallID),
		zap.Int("end_count", count),
		zap.Int("threshold", threshold))
	e.appendTurn(s, pkg.SpeakerAR, EndPressDigit, EndPressDigit)
	if via == ViaRecording {
		e.playDigits(ctx, s, EndPressDigit)
	}
	return Action{Type: ActionPlay, Digits: EndPressDigit}
}

func (e *Engine) hangup(ctx context.Context, s *Session) Action {
	e.hangupTelephony(ctx, s)
	if _, ok := e.store.Evict(s.CallID); ok {
		e.afterEvict(s)
	}
	return Action{Type: ActionHangup}
}

// hangupTelephony ends the call on the telephony side: the bound channel, or
// the gateway call id for redirect-based calls.
func (e *Engine) hangupTelephony(ctx context.Context, s *Session) {
	target := s.hangupTarget()
	if err := e.telephony.Hangup(ctx, target); err != nil {
		e.logger.Error("failed to hang up call",
			zap.String("call_id", s.CallID),
			zap.String("target", target),
			zap.Error(err))
	}
}

func (e *Engine) speak(ctx context.Context, s *Session, text string) {
	ch := s.ChannelID()
	if ch == "" {
		return
	}
	if err := e.telephony.Speak(ctx, ch, text); err != nil {
		e.logger.Warn("failed to speak", zap.String("call_id", s.CallID), zap.String("channel_id", ch), zap.Error(err))
	}
}

func (e *Engine) playDigits(ctx context.Context, s *Session, digits string) {
	ch := s.ChannelID()
	if ch == "" || digits == "" {
		return
	}
	if err := e.telephony.PlayDigits(ctx, ch, digits); err != nil {
		e.logger.Warn("failed to play digits", zap.String("call_id", s.CallID), zap.String("channel_id", ch), zap.Error(err))
	}
}

// HandleDigit forwards a DTMF digit received on a channel to the observer.
func (e *Engine) HandleDigit(channelID, digit string) error {
	s, ok := e.store.GetByChannel(channelID)
	if !ok {
		return ErrSessionNotFound
	}
	e.notify(s.CallID, StatusDigitReceived, digit, pkg.SpeakerIVR)
	return nil
}

// NotifyTyping tells the observer the remote party is about to be heard.
func (e *Engine) NotifyTyping(callID string) {
	if callID == "" {
		return
	}
	e.notify(callID, StatusTyping, "", pkg.SpeakerIVR)
}

// ChannelLive reports whether a live call is bound to channelID.
func (e *Engine) ChannelLive(channelID string) bool {
	_, ok := e.store.GetByChannel(channelID)
	return ok
}

// EvictChannel drops all state of the call on channelID.  It reports false
// when nothing was live, in which case no side effects happen.
func (e *Engine) EvictChannel(channelID string) bool {
	s, ok := e.store.EvictByChannel(channelID)
	if !ok {
		return false
	}
	e.afterEvict(s)
	e.logger.Info("call evicted", zap.String("call_id", s.CallID), zap.String("channel_id", channelID))
	return true
}

// EndCall hangs up and evicts one live call.
func (e *Engine) EndCall(ctx context.Context, callID string) error {
	s, ok := e.store.Evict(callID)
	if !ok {
		return ErrSessionNotFound
	}
	e.hangupTelephony(ctx, s)
	e.afterEvict(s)
	e.logger.Info("call ended", zap.String("call_id", callID))
	return nil
}

// EndAll ends every live call and returns how many were ended.
func (e *Engine) EndAll(ctx context.Context) int {
	n := 0
	for _, s := range e.store.List() {
		if err := e.EndCall(ctx, s.CallID); err == nil {
			n++
		}
	}
	return n
}

// Snapshots returns the live calls, oldest first.
func (e *Engine) Snapshots() []pkg.CallRecord {
	sessions := e.store.List()
	out := make([]pkg.CallRecord, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Record())
	}
	return out
}

// Snapshot returns one live call.
func (e *Engine) Snapshot(callID string) (pkg.CallRecord, bool) {
	s, ok := e.store.Get(callID)
	if !ok {
		return pkg.CallRecord{}, false
	}
	return s.Record(), true
}

func (e *Engine) afterEvict(s *Session) {
	s.setStatus(pkg.StatusEnded, e.now())
	e.markRetired(s.CallID)
	if gw := s.GatewayID(); gw != "" {
		e.markRetired(gw)
	}
	e.metrics.SetActiveCalls(e.store.Len())
	e.persistRecord(s)
	e.notify(s.CallID, StatusCallEnded, "", pkg.SpeakerAR)
}

func (e *Engine) resolveChannel(channelID, callID, callerNumber string) (*Session, error) {
	if callID != "" {
		if _, ok := e.store.Get(callID); ok {
			return e.store.AttachChannel(callID, channelID)
		}
		if e.isRetired(callID) {
			return nil, ErrSessionNotFound
		}
	}
	if s, ok := e.store.GetByChannel(channelID); ok {
		return s, nil
	}
	if callID == "" {
		callID = e.newID()
	}
	patient, prompt := e.lookupByPhone(callerNumber)
	return e.createSession(callID, channelID, patient, prompt)
}

func (e *Engine) resolveUtterance(u Utterance) (*Session, error) {
	switch {
	case u.CallID != "":
		if s, ok := e.store.Get(u.CallID); ok {
			return s, nil
		}
		if e.isRetired(u.CallID) {
			return nil, ErrSessionNotFound
		}
		// The first gather of a triggered call carries the gateway's id,
		// not ours.
		if s, ok := e.store.AdoptGateway(u.PatientID, u.CallID); ok {
			e.logger.Info("gateway call adopted",
				zap.String("call_id", s.CallID),
				zap.String("gateway_call_id", u.CallID),
				zap.String("patient_id", u.PatientID))
			return s, nil
		}
		patient, prompt := e.lookup(u.PatientID)
		s, err := e.createSession(u.CallID, u.ChannelID, patient, prompt)
		if errors.Is(err, ErrSessionExists) {
			if s, ok := e.store.Get(u.CallID); ok {
				return s, nil
			}
		}
		return s, err
	case u.ChannelID != "":
		if s, ok := e.store.GetByChannel(u.ChannelID); ok {
			return s, nil
		}
		return nil, ErrSessionNotFound
	case u.PatientID != "":
		if s, ok := e.store.FindByPatient(u.PatientID); ok {
			return s, nil
		}
		patient, prompt := e.lookup(u.PatientID)
		return e.createSession(e.newID(), "", patient, prompt)
	default:
		return nil, ErrSessionNotFound
	}
}

func (e *Engine) createSession(callID, channelID string, patient pkg.PatientRecord, prompt PendingPrompt) (*Session, error) {
	s := newSession(callID, patient, prompt, e.now())
	s.channelID = channelID
	if err := e.store.Create(s); err != nil {
		return nil, err
	}
	e.metrics.SetActiveCalls(e.store.Len())
	e.persistRecord(s)
	return s, nil
}

func (e *Engine) remember(patient pkg.PatientRecord, prompt PendingPrompt) PendingPrompt {
	prompt = e.normalize(prompt)
	e.mu.Lock()
	e.patients[patient.ID] = patient
	e.prompts[patient.ID] = prompt
	e.mu.Unlock()
	return prompt
}

func (e *Engine) normalize(p PendingPrompt) PendingPrompt {
	if strings.TrimSpace(p.SystemPrompt) == "" {
		p.SystemPrompt = DefaultCallPrompt
	}
	kw := p.EndKeywords
	if len(kw) == 0 {
		kw = e.opts.DefaultEndKeywords
	}
	p.EndKeywords = append([]string(nil), kw...)
	return p
}

func (e *Engine) lookup(patientID string) (pkg.PatientRecord, PendingPrompt) {
	e.mu.RLock()
	patient, ok := e.patients[patientID]
	prompt := e.prompts[patientID]
	e.mu.RUnlock()
	if !ok {
		patient = pkg.PatientRecord{ID: patientID}
		prompt = e.normalize(PendingPrompt{})
	}
	return patient, prompt
}

func (e *Engine) lookupByPhone(number string) (pkg.PatientRecord, PendingPrompt) {
	if number != "" {
		e.mu.RLock()
		for id, p := range e.patients {
			if p.PhoneNumber == number {
				prompt := e.prompts[id]
				e.mu.RUnlock()
				return p, prompt
			}
		}
		e.mu.RUnlock()
	}
	return pkg.PatientRecord{PhoneNumber: number}, e.normalize(PendingPrompt{})
}

func (e *Engine) markRetired(callID string) {
	now := e.now()
	e.retiredMu.Lock()
	defer e.retiredMu.Unlock()
	for id, at := range e.retired {
		if now.Sub(at) > retiredTTL {
			delete(e.retired, id)
		}
	}
	e.retired[callID] = now
}

func (e *Engine) isRetired(callID string) bool {
	e.retiredMu.Lock()
	defer e.retiredMu.Unlock()
	at, ok := e.retired[callID]
	return ok && e.now().Sub(at) <= retiredTTL
}

// appendTurn records a turn in the transcript and mirrors it to the
// observer and the store in the background.  display is what the observer
// sees.
func (e *Engine) appendTurn(s *Session, speaker pkg.Speaker, message, display string) {
	turn := pkg.ConversationTurn{Speaker: speaker, Message: message, Timestamp: e.now()}
	s.append(turn)

	callID := s.CallID
	msg := e.observerMessage(StatusMessageReceived, display, speaker)
	e.submit(callID, func(ctx context.Context) {
		e.deliver(callID, msg)
		ctx, cancel := context.WithTimeout(ctx, effectTimeout)
		defer cancel()
		if err := e.persist.AppendConversationTurn(ctx, callID, turn); err != nil {
			e.logger.Warn("failed to persist conversation turn", zap.String("call_id", callID), zap.Error(err))
		}
	})
}

func (e *Engine) persistRecord(s *Session) {
	rec := s.Record()
	rec.Chat = nil
	e.submit(rec.ID, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, effectTimeout)
		defer cancel()
		if err := e.persist.UpsertCallRecord(ctx, rec); err != nil {
			e.logger.Warn("failed to persist call record", zap.String("call_id", rec.ID), zap.Error(err))
		}
	})
}

func (e *Engine) notify(callID, status, message string, source pkg.Speaker) {
	msg := e.observerMessage(status, message, source)
	e.submit(callID, func(context.Context) { e.deliver(callID, msg) })
}

func (e *Engine) deliver(callID string, msg pkg.ObserverMessage) {
	if e.notifier.Notify(callID, msg) {
		e.metrics.ObserverDelivery("sent")
		return
	}
	e.metrics.ObserverDelivery("dropped")
}

func (e *Engine) observerMessage(status, message string, source pkg.Speaker) pkg.ObserverMessage {
	return pkg.ObserverMessage{ID: uuid.NewString(), Status: status, Message: message, Source: string(source)}
}

func (e *Engine) submit(callID string, task queue.Task) {
	if !e.effects.Submit(callID, task) {
		e.logger.Debug("side effect not queued", zap.String("call_id", callID))
	}
}

func renderPrompt(s *Session) string {
	var b strings.Builder
	b.WriteString(s.Prompt.SystemPrompt)
	b.WriteString("\n")
	b.WriteString(TranscriptHeader)
	for _, t := range s.Transcript() {
		b.WriteString("\n")
		b.WriteString(string(t.Speaker))
		b.WriteString(": ")
		b.WriteString(t.Message)
	}
	return b.String()
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// sanitizeRemote rewrites remote-party text before it reaches observers.
func sanitizeRemote(text string) string {
	return strings.ReplaceAll(text, "pan", "pTan")
}

type nopReasoner struct{}

func (nopReasoner) Complete(context.Context, string) string { return "" }

type nopTelephony struct{}

func (nopTelephony) Answer(context.Context, string) error                   { return nil }
func (nopTelephony) StartRecording(context.Context, string) (string, error) { return "", nil }
func (nopTelephony) Speak(context.Context, string, string) error            { return nil }
func (nopTelephony) PlayDigits(context.Context, string, string) error       { return nil }
func (nopTelephony) Hangup(context.Context, string) error                   { return nil }

type nopDialer struct{}

func (nopDialer) Dial(context.Context, string, string) error { return nil }

type nopPersistence struct{}

func (nopPersistence) UpsertCallRecord(context.Context, pkg.CallRecord) error { return nil }
func (nopPersistence) AppendConversationTurn(context.Context, string, pkg.ConversationTurn) error {
	return nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, pkg.ObserverMessage) bool { return false }

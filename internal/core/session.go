package core

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parthasarathi-encipherhealth/ar-sip/pkg"
)

var (
	// ErrSessionNotFound is returned when no live session matches the lookup.
	ErrSessionNotFound = errors.New("call session not found")
	// ErrSessionExists is returned when a call id is already live.
	ErrSessionExists = errors.New("call session already exists")
)

// PendingPrompt is the per-patient system prompt and end-of-call phrases
// fixed when the call is triggered.
type PendingPrompt struct {
	SystemPrompt string
	EndKeywords  []string
}

// Session is the in-memory state of one live call.
//
// turn serializes transitions for the call and is held across the reasoning
// request.  mu guards the fields below it and is only held briefly, so
// snapshots and eviction never wait on an in-flight transition.
type Session struct {
	CallID    string
	PatientID string
	Patient   pkg.PatientRecord
	Prompt    PendingPrompt
	CreatedAt time.Time

	turn sync.Mutex

	mu         sync.RWMutex
	channelID  string
	gatewayID  string
	transcript []pkg.ConversationTurn
	endCount   int
	status     pkg.CallStatus
	updatedAt  time.Time

	evicted atomic.Bool
}

func newSession(callID string, patient pkg.PatientRecord, prompt PendingPrompt, now time.Time) *Session {
	return &Session{
		CallID:    callID,
		PatientID: patient.ID,
		Patient:   patient,
		Prompt:    prompt,
		CreatedAt: now,
		status:    pkg.StatusInitiated,
		updatedAt: now,
	}
}

// ChannelID is the telephony channel bound to the call, if any.
func (s *Session) ChannelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID
}

// GatewayID is the call id a redirect-based gateway uses for this call
// when it differs from CallID.
func (s *Session) GatewayID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gatewayID
}

// hangupTarget is what the telephony port hangs up: the channel when one is
// bound, otherwise the gateway call id.
func (s *Session) hangupTarget() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.channelID != "":
		return s.channelID
	case s.gatewayID != "":
		return s.gatewayID
	default:
		return s.CallID
	}
}

// Status is the lifecycle status of the call.
func (s *Session) Status() pkg.CallStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// EndCount is how many times the end digit has been pressed.
func (s *Session) EndCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endCount
}

// Transcript returns a copy of the turns appended so far.
func (s *Session) Transcript() []pkg.ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pkg.ConversationTurn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Evicted reports whether the session has been removed from the store.
func (s *Session) Evicted() bool { return s.evicted.Load() }

func (s *Session) append(turn pkg.ConversationTurn) {
	s.mu.Lock()
	s.transcript = append(s.transcript, turn)
	s.updatedAt = turn.Timestamp
	s.mu.Unlock()
}

func (s *Session) setStatus(st pkg.CallStatus, now time.Time) {
	s.mu.Lock()
	s.status = st
	s.updatedAt = now
	s.mu.Unlock()
}

// Record renders the session as a call record.
func (s *Session) Record() pkg.CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat := make([]pkg.ConversationTurn, len(s.transcript))
	copy(chat, s.transcript)
	return pkg.CallRecord{
		ID:        s.CallID,
		PatientID: s.PatientID,
		ChannelID: s.channelID,
		Status:    s.status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.updatedAt,
		Chat:      chat,
	}
}

// Store indexes live sessions by call id (primary), channel id and gateway
// call id (secondary).  All indices change together under one lock.
type Store struct {
	mu        sync.RWMutex
	byCall    map[string]*Session
	byChannel map[string]*Session
	byGateway map[string]*Session
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		byCall:    make(map[string]*Session),
		byChannel: make(map[string]*Session),
		byGateway: make(map[string]*Session),
	}
}

func (st *Store) lookup(callID string) (*Session, bool) {
	if s, ok := st.byCall[callID]; ok {
		return s, true
	}
	s, ok := st.byGateway[callID]
	return s, ok
}

// Create registers sess.  A call id can only be created once while live.
func (st *Store) Create(sess *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.lookup(sess.CallID); ok {
		return ErrSessionExists
	}
	st.byCall[sess.CallID] = sess
	if ch := sess.ChannelID(); ch != "" {
		st.byChannel[ch] = sess
	}
	return nil
}

// Get finds a live session by its call id or gateway call id.
func (st *Store) Get(callID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.lookup(callID)
}

// GetByChannel finds a live session by its channel id.
func (st *Store) GetByChannel(channelID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.byChannel[channelID]
	return s, ok
}

// FindByPatient returns the most recent live session for a patient.
func (st *Store) FindByPatient(patientID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var found *Session
	for _, s := range st.byCall {
		if s.PatientID != patientID {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = s
		}
	}
	return found, found != nil
}

// AdoptGateway binds gatewayID to the newest live session of patientID that
// was placed but not yet reached on any path: no channel, no gateway id,
// still INITIATED.  It reports false when there is no such session.
func (st *Store) AdoptGateway(patientID, gatewayID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, taken := st.lookup(gatewayID); taken || patientID == "" {
		return nil, false
	}
	var found *Session
	for _, s := range st.byCall {
		if s.PatientID != patientID {
			continue
		}
		s.mu.RLock()
		free := s.channelID == "" && s.gatewayID == "" && s.status == pkg.StatusInitiated
		s.mu.RUnlock()
		if !free {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = s
		}
	}
	if found == nil {
		return nil, false
	}
	found.mu.Lock()
	found.gatewayID = gatewayID
	found.mu.Unlock()
	st.byGateway[gatewayID] = found
	return found, true
}

// AttachChannel binds channelID to the call, replacing any previous channel
// of that call in the secondary index.
func (st *Store) AttachChannel(callID, channelID string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.lookup(callID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	old := s.channelID
	s.channelID = channelID
	s.mu.Unlock()
	if old != "" && old != channelID {
		delete(st.byChannel, old)
	}
	if channelID != "" {
		st.byChannel[channelID] = s
	}
	return s, nil
}

// Evict removes the call from both indices.  Evicting an unknown call is a
// no-op and reports false.
func (st *Store) Evict(callID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.lookup(callID)
	if !ok {
		return nil, false
	}
	st.remove(s)
	return s, true
}

// EvictByChannel is Evict keyed by the channel id.
func (st *Store) EvictByChannel(channelID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byChannel[channelID]
	if !ok {
		return nil, false
	}
	st.remove(s)
	return s, true
}

func (st *Store) remove(s *Session) {
	delete(st.byCall, s.CallID)
	if ch := s.ChannelID(); ch != "" {
		if cur, ok := st.byChannel[ch]; ok && cur == s {
			delete(st.byChannel, ch)
		}
	}
	if gw := s.GatewayID(); gw != "" {
		if cur, ok := st.byGateway[gw]; ok && cur == s {
			delete(st.byGateway, gw)
		}
	}
	s.evicted.Store(true)
}

// List returns live sessions, oldest first.
func (st *Store) List() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.byCall))
	for _, s := range st.byCall {
		out = append(out, s)
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len is the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byCall)
}

// With runs fn while holding the call's transition lock.  fn is not run if
// the call is unknown or was evicted while waiting for the lock.
func (st *Store) With(callID string, fn func(*Session) error) error {
	s, ok := st.Get(callID)
	if !ok {
		return ErrSessionNotFound
	}
	s.turn.Lock()
	defer s.turn.Unlock()
	if s.evicted.Load() {
		return ErrSessionNotFound
	}
	return fn(s)
}

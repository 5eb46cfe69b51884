package ari

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event types the listener acts on.
const (
	EventStasisStart         = "StasisStart"
	EventRecordingFinished   = "RecordingFinished"
	EventChannelDestroyed    = "ChannelDestroyed"
	EventChannelDtmfReceived = "ChannelDtmfReceived"
)

// ErrMalformedEvent is returned for payloads that are not JSON or lack a
// type.
var ErrMalformedEvent = errors.New("malformed ari event")

// Event is the subset of an ARI event document the listener reads.
type Event struct {
	Type        string     `json:"type"`
	Application string     `json:"application,omitempty"`
	Timestamp   string     `json:"timestamp,omitempty"`
	Channel     *Channel   `json:"channel,omitempty"`
	Recording   *Recording `json:"recording,omitempty"`
	Digit       string     `json:"digit,omitempty"`
	Args        []string   `json:"args,omitempty"`
}

type Channel struct {
	ID     string   `json:"id"`
	Name   string   `json:"name,omitempty"`
	State  string   `json:"state,omitempty"`
	Caller CallerID `json:"caller"`
}

type CallerID struct {
	Name   string `json:"name,omitempty"`
	Number string `json:"number,omitempty"`
}

type Recording struct {
	Name      string `json:"name"`
	Format    string `json:"format,omitempty"`
	State     string `json:"state,omitempty"`
	TargetURI string `json:"target_uri,omitempty"`
}

// Decode parses one event frame.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return ev, nil
}

// ChannelID returns the channel the event concerns.  Recording events carry
// it in the recording's target URI ("channel:<id>") when no channel object
// is present.
func (e Event) ChannelID() string {
	if e.Channel != nil && e.Channel.ID != "" {
		return e.Channel.ID
	}
	if e.Recording != nil {
		if id, ok := strings.CutPrefix(e.Recording.TargetURI, "channel:"); ok {
			return id
		}
	}
	return ""
}

// CallerNumber returns the caller number of the event's channel.
func (e Event) CallerNumber() string {
	if e.Channel == nil {
		return ""
	}
	return e.Channel.Caller.Number
}

// CallID returns the call id passed as the first Stasis argument by the
// dialer, if any.
func (e Event) CallID() string {
	if len(e.Args) == 0 {
		return ""
	}
	return strings.TrimSpace(e.Args[0])
}

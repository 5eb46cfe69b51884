package pkg

import "time"

// PatientRecord is the claim subject an AR call is placed for.  The dates of
// service drive how many times the remote IVR has to be stepped through
// before the call can end.
type PatientRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phoneNumber"`
	CallID      string    `json:"callId,omitempty"`
	DOS         []string  `json:"dos"`
	BillIDs     []string  `json:"billId"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Speaker describes who produced a conversation turn.
type Speaker string

const (
	// SpeakerIVR is the remote party (the insurer's IVR or agent).
	SpeakerIVR Speaker = "ivr"
	// SpeakerAR is this system, the automated AR caller.
	SpeakerAR Speaker = "ar"
	// SpeakerOperator is a human operator watching the call.
	SpeakerOperator Speaker = "operator"
)

// CallStatus is the lifecycle status of a call.
type CallStatus string

const (
	StatusInitiated  CallStatus = "INITIATED"
	StatusInProgress CallStatus = "IN_PROGRESS"
	StatusEnding     CallStatus = "ENDING"
	StatusEnded      CallStatus = "ENDED"
)

// ConversationTurn is one utterance in a call transcript.  Turns are
// immutable once appended.
type ConversationTurn struct {
	Speaker   Speaker   `json:"bot"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CallRecord is the durable view of a call.
type CallRecord struct {
	ID        string             `json:"id"`
	PatientID string             `json:"patientId"`
	ChannelID string             `json:"channelId,omitempty"`
	Status    CallStatus         `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Chat      []ConversationTurn `json:"chat,omitempty"`
}

// ObserverMessage is the frame pushed to live observers of a call.
type ObserverMessage struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

// Page is the paginated listing shape returned by the call listing endpoints.
type Page[T any] struct {
	Content       []T `json:"content"`
	TotalElements int `json:"totalElements"`
	Size          int `json:"size"`
	Number        int `json:"number"`
}

// NewPage wraps page number of results.  A non-positive size means the
// page holds everything.
func NewPage[T any](content []T, total, number, size int) Page[T] {
	if content == nil {
		content = []T{}
	}
	if size <= 0 {
		size = len(content)
	}
	return Page[T]{Content: content, TotalElements: total, Size: size, Number: number}
}

package core

import (
	"context"

	"github.com/parthasarathi-encipherhealth/ar-sip/pkg"
)

// Telephony executes channel actions.  Every method is fire-and-forget from
// the engine's point of view: errors are logged, never propagated into the
// transition result.
type Telephony interface {
	Answer(ctx context.Context, channelID string) error
	StartRecording(ctx context.Context, channelID string) (string, error)
	Speak(ctx context.Context, channelID, text string) error
	PlayDigits(ctx context.Context, channelID, digits string) error
	Hangup(ctx context.Context, channelID string) error
}

// Dialer places an outbound call carrying callID back to the event stream.
type Dialer interface {
	Dial(ctx context.Context, callID, phoneNumber string) error
}

// Persistence mirrors calls and their transcripts.  Turns are append-only.
type Persistence interface {
	UpsertCallRecord(ctx context.Context, rec pkg.CallRecord) error
	AppendConversationTurn(ctx context.Context, callID string, turn pkg.ConversationTurn) error
}

// Notifier pushes a message to the live observer of a call, if any.
type Notifier interface {
	Notify(callID string, msg pkg.ObserverMessage) bool
}

// Reasoner produces the next directive for a prompt.  It always returns a
// directive, falling back internally when the backend is unavailable.
type Reasoner interface {
	Complete(ctx context.Context, prompt string) string
}

package core

// Prompts used by the conversation engine.  Kept apart so the wording can be
// tuned without touching the state machine.

const (
	// Greeting is spoken once the outbound channel is answered.
	Greeting = "Hello, this is your automated AR caller. Please state your inquiry."

	// DefaultCallPrompt is used for calls that reach the engine without a
	// prompt cached at trigger time, e.g. inbound channels.
	DefaultCallPrompt = "You are calling an insurance company's claims line on behalf of a medical provider. " +
		"Navigate the phone menu, identify yourself as calling about a claim status, " +
		"and answer questions about the patient briefly and accurately."

	// TranscriptHeader opens the conversation block appended to the prompt.
	TranscriptHeader = "conversation"

	// EndPressDigit steps the remote IVR through its end-of-call prompts.
	EndPressDigit = "2"
)

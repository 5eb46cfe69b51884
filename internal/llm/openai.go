package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parthasarathi-encipherhealth/ar-sip/internal/config"
)

// Message is a minimal chat message used by the reasoning client.
// Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Client is the chat completion backend the Reasoner retries against.
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// OpenAIClient calls the OpenAI (or Azure OpenAI) API for chat completions,
// recording transcription and speech synthesis.
type OpenAIClient struct {
	client             *openai.Client
	chatModel          string
	transcriptionModel string
	speechModel        string
	speechVoice        string
}

// NewOpenAIClient constructs an OpenAI-backed client from configuration.
// When cfg.Azure is set the base URL is treated as the Azure resource
// endpoint and the chat model as the deployment name.
func NewOpenAIClient(cfg config.OpenAI) *OpenAIClient {
	var oc openai.ClientConfig
	if cfg.Azure {
		oc = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.APIVersion != "" {
			oc.APIVersion = cfg.APIVersion
		}
	} else {
		oc = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
	}

	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = openai.GPT4oMini
	}
	transcriptionModel := cfg.TranscriptionModel
	if transcriptionModel == "" {
		transcriptionModel = openai.Whisper1
	}
	speechModel := cfg.SpeechModel
	if speechModel == "" {
		speechModel = string(openai.TTSModel1)
	}
	speechVoice := cfg.SpeechVoice
	if speechVoice == "" {
		speechVoice = string(openai.VoiceOnyx)
	}

	return &OpenAIClient{
		client:             openai.NewClientWithConfig(oc),
		chatModel:          chatModel,
		transcriptionModel: transcriptionModel,
		speechModel:        speechModel,
		speechVoice:        speechVoice,
	}
}

// Chat sends the message history to the chat completion API and returns the
// assistant's response.  Temperature is pinned to zero so directives are as
// deterministic as the backend allows.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	if c == nil || c.client == nil {
		return "", errors.New("openai client not initialized")
	}

	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			// coerce anything unknown to user
			role = openai.ChatMessageRoleUser
		}
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    oaMsgs,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Transcribe converts a finished recording on disk to text.
func (c *OpenAIClient) Transcribe(ctx context.Context, filePath string) (string, error) {
	if c == nil || c.client == nil {
		return "", errors.New("openai client not initialized")
	}
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcriptionModel,
		FilePath: filePath,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", filePath, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// Synthesize renders text to WAV audio.  The caller must close the returned
// reader.
func (c *OpenAIClient) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("openai client not initialized")
	}
	resp, err := c.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.speechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(c.speechVoice),
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}
	return resp, nil
}

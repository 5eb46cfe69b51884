package ari

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parthasarathi-encipherhealth/ar-sip/internal/config"
)

// Synthesizer renders text to audio the PBX can play.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// ClientConfig configures the ARI REST client.
type ClientConfig struct {
	BaseURL           string
	User              string
	Password          string
	App               string
	Endpoint          string
	CallerID          string
	RecordingFormat   string
	MaxSilenceSeconds int
	SoundsDir         string
}

// ClientConfigFrom derives the REST client configuration.
func ClientConfigFrom(cfg config.Config) ClientConfig {
	return ClientConfig{
		BaseURL:           cfg.ARIBaseURL(),
		User:              cfg.ARI.User,
		Password:          cfg.ARI.Password,
		App:               cfg.ARI.App,
		Endpoint:          cfg.ARI.Endpoint,
		CallerID:          cfg.ARI.CallerID,
		RecordingFormat:   cfg.Call.RecordingFormat,
		MaxSilenceSeconds: cfg.Call.MaxSilenceSeconds,
		SoundsDir:         cfg.Call.SoundsDir,
	}
}

// Client drives channels through the Asterisk REST interface.  It implements
// the telephony and dialer ports of the conversation engine.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	tts    Synthesizer
	logger *zap.Logger
}

// NewClient builds a client for the ARI REST API at cfg.BaseURL.  tts
// renders text for Speak; a nil httpClient gets a 15s timeout.
func NewClient(cfg ClientConfig, tts Synthesizer, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RecordingFormat == "" {
		cfg.RecordingFormat = "wav"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient, tts: tts, logger: logger}
}

// Answer answers the channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, channelPath(channelID, "answer"), nil)
}

// StartRecording starts a live recording on the channel and returns its
// name.  Recording stops after MaxSilenceSeconds of silence.
func (c *Client) StartRecording(ctx context.Context, channelID string) (string, error) {
	name := "rec-" + uuid.NewString()
	q := url.Values{}
	q.Set("name", name)
	q.Set("format", c.cfg.RecordingFormat)
	q.Set("ifExists", "overwrite")
	q.Set("beep", "false")
	if c.cfg.MaxSilenceSeconds > 0 {
		q.Set("maxSilenceSeconds", strconv.Itoa(c.cfg.MaxSilenceSeconds))
	}
	if err := c.do(ctx, http.MethodPost, channelPath(channelID, "record"), q); err != nil {
		return "", err
	}
	c.logger.Debug("recording started", zap.String("channel_id", channelID), zap.String("recording", name))
	return name, nil
}

// Speak synthesizes text into the sounds directory and plays it.
func (c *Client) Speak(ctx context.Context, channelID, text string) error {
	if c.tts == nil {
		return fmt.Errorf("speak on %s: no synthesizer configured", channelID)
	}
	audio, err := c.tts.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	defer audio.Close()

	base := "tts-" + uuid.NewString()
	path := filepath.Join(c.cfg.SoundsDir, base+".wav")
	if err := writeFile(path, audio); err != nil {
		return fmt.Errorf("store synthesized audio: %w", err)
	}

	q := url.Values{}
	// Sound URIs omit the file extension.
	q.Set("media", "sound:"+filepath.Join(c.cfg.SoundsDir, base))
	return c.do(ctx, http.MethodPost, channelPath(channelID, "play"), q)
}

func (c *Client) PlayDigits(ctx context.Context, channelID, digits string) error {
	q := url.Values{}
	q.Set("dtmf", digits)
	return c.do(ctx, http.MethodPost, channelPath(channelID, "dtmf"), q)
}

// Hangup deletes the channel.  A channel that is already gone is not an
// error.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	err := c.do(ctx, http.MethodDelete, channelPath(channelID, ""), nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// Dial originates an outbound channel into the Stasis app, passing callID
// as the first application argument.
func (c *Client) Dial(ctx context.Context, callID, phoneNumber string) error {
	q := url.Values{}
	q.Set("endpoint", c.endpoint(phoneNumber))
	q.Set("app", c.cfg.App)
	q.Set("appArgs", callID)
	if c.cfg.CallerID != "" {
		q.Set("callerId", c.cfg.CallerID)
	}
	return c.do(ctx, http.MethodPost, "/channels", q)
}

func (c *Client) endpoint(number string) string {
	if strings.Contains(c.cfg.Endpoint, "%s") {
		return fmt.Sprintf(c.cfg.Endpoint, number)
	}
	if c.cfg.Endpoint == "" {
		return "PJSIP/" + number
	}
	return strings.TrimRight(c.cfg.Endpoint, "/") + "/" + number
}

// StatusError is a non-2xx ARI response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ari %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values) error {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("build ari request: %w", err)
	}
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ari %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func channelPath(channelID, action string) string {
	p := "/channels/" + url.PathEscape(channelID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func writeFile(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

package ari

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/parthasarathi-encipherhealth/ar-sip/internal/config"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/core"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/metrics"
	"github.com/parthasarathi-encipherhealth/ar-sip/internal/queue"
)

// State is the connection state of the event stream.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var errStreamClosed = errors.New("event stream closed")

// Engine is the conversation side of the listener.
type Engine interface {
	OpenChannel(ctx context.Context, channelID, callID, callerNumber string) (*core.Session, error)
	HandleRecording(ctx context.Context, channelID, text string) (core.Action, error)
	HandleDigit(channelID, digit string) error
	EvictChannel(channelID string) bool
	ChannelLive(channelID string) bool
}

// Transcriber turns a finished recording file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filePath string) (string, error)
}

// Recorder starts the next recording on a channel.
type Recorder interface {
	StartRecording(ctx context.Context, channelID string) (string, error)
}

// ListenerConfig configures the event stream consumer.
type ListenerConfig struct {
	URL             string
	User            string
	Password        string
	ReconnectDelay  time.Duration
	RecordingDir    string
	RecordingFormat string
	QueueDepth      int
}

// ListenerConfigFrom derives the listener configuration.
func ListenerConfigFrom(cfg config.Config) ListenerConfig {
	return ListenerConfig{
		URL:             cfg.ARIEventsURL(),
		User:            cfg.ARI.User,
		Password:        cfg.ARI.Password,
		ReconnectDelay:  cfg.ARI.ReconnectDelay,
		RecordingDir:    cfg.Call.RecordingDir,
		RecordingFormat: cfg.Call.RecordingFormat,
		QueueDepth:      cfg.Call.SideEffectQueueSize,
	}
}

// Listener consumes the ARI event stream and feeds the engine.  The receive
// loop only decodes and hands off; transcription and reasoning run on a
// per-channel work queue.
type Listener struct {
	cfg         ListenerConfig
	dialer      *websocket.Dialer
	engine      Engine
	transcriber Transcriber
	recorder    Recorder
	work        *queue.Keyed
	logger      *zap.Logger
	metrics     *metrics.Metrics
	state       atomic.Int32
}

// NewListener builds an event stream consumer that feeds engine.  Zero
// config values get defaults.  m may be nil.
func NewListener(cfg ListenerConfig, engine Engine, transcriber Transcriber, recorder Recorder, logger *zap.Logger, m *metrics.Metrics) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.RecordingFormat == "" {
		cfg.RecordingFormat = "wav"
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 16
	}
	return &Listener{
		cfg:         cfg,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		engine:      engine,
		transcriber: transcriber,
		recorder:    recorder,
		work:        queue.NewKeyed("ari", cfg.QueueDepth, logger, func() { m.DroppedTask("ari") }),
		logger:      logger,
		metrics:     m,
	}
}

// State reports the current connection state.
func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) setState(s State) { l.state.Store(int32(s)) }

// Run keeps the event stream connected until ctx is canceled, reconnecting
// after a fixed delay every time the connection drops.  There is no retry
// cap.
func (l *Listener) Run(ctx context.Context) error {
	b := retry.NewConstant(l.cfg.ReconnectDelay)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.metrics.Reconnect()
		l.logger.Warn("event stream lost, reconnecting",
			zap.Duration("delay", l.cfg.ReconnectDelay),
			zap.Error(err))
		return retry.RetryableError(err)
	})
	l.setState(StateDisconnected)

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := l.work.Close(drainCtx); cerr != nil {
		l.logger.Warn("event work still running at shutdown", zap.Error(cerr))
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// session runs one connection until it fails.  It always returns a non-nil
// error.
func (l *Listener) session(ctx context.Context) error {
	l.setState(StateConnecting)

	header := http.Header{}
	if l.cfg.User != "" {
		token := base64.StdEncoding.EncodeToString([]byte(l.cfg.User + ":" + l.cfg.Password))
		header.Set("Authorization", "Basic "+token)
	}

	conn, resp, err := l.dialer.DialContext(ctx, l.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		l.setState(StateDisconnected)
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer l.setState(StateDisconnected)
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	l.setState(StateConnected)
	l.logger.Info("event stream connected", zap.String("url", l.cfg.URL))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%w: %v", errStreamClosed, err)
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		l.Dispatch(data)
	}
}

// Dispatch decodes one frame and routes it.  Malformed frames are counted
// and skipped.  It never blocks on transcription or reasoning.
func (l *Listener) Dispatch(data []byte) {
	ev, err := Decode(data)
	if err != nil {
		l.metrics.MalformedEvent()
		l.logger.Warn("skipping malformed event", zap.Error(err))
		return
	}
	l.metrics.Event(ev.Type)

	ch := ev.ChannelID()
	log := l.logger.With(zap.String("event_type", ev.Type), zap.String("channel_id", ch))

	switch ev.Type {
	case EventStasisStart:
		if ch == "" {
			log.Warn("call start without channel")
			return
		}
		callID, caller := ev.CallID(), ev.CallerNumber()
		log.Info("call started", zap.String("call_id", callID), zap.String("caller", caller))
		l.submit(ch, func(ctx context.Context) {
			if _, err := l.engine.OpenChannel(ctx, ch, callID, caller); err != nil {
				log.Error("failed to open channel", zap.Error(err))
			}
		})

	case EventRecordingFinished:
		if ch == "" || ev.Recording == nil || ev.Recording.Name == "" {
			log.Warn("recording finished without channel or name")
			return
		}
		name := ev.Recording.Name
		l.submit(ch, func(ctx context.Context) { l.processRecording(ctx, ch, name) })

	case EventChannelDestroyed:
		if l.engine.EvictChannel(ch) {
			log.Info("channel destroyed, call evicted")
		} else {
			log.Debug("channel destroyed, nothing live")
		}

	case EventChannelDtmfReceived:
		if err := l.engine.HandleDigit(ch, ev.Digit); err != nil {
			log.Debug("digit for unknown channel", zap.String("digit", ev.Digit))
		}

	default:
		log.Debug("ignoring event")
	}
}

func (l *Listener) submit(channelID string, task queue.Task) {
	if !l.work.Submit(channelID, task) {
		l.logger.Warn("event work dropped", zap.String("channel_id", channelID))
	}
}

func (l *Listener) processRecording(ctx context.Context, channelID, name string) {
	log := l.logger.With(zap.String("channel_id", channelID), zap.String("recording", name))

	path := filepath.Join(l.cfg.RecordingDir, name+"."+l.cfg.RecordingFormat)
	text, err := l.transcriber.Transcribe(ctx, path)
	if err != nil {
		log.Warn("transcription failed", zap.Error(err))
		text = ""
	}

	act, err := l.engine.HandleRecording(ctx, channelID, text)
	if errors.Is(err, core.ErrSessionNotFound) {
		log.Debug("recording for a call that is gone")
		return
	}
	if err != nil {
		log.Error("transition failed", zap.Error(err))
	}
	if act.Type == core.ActionHangup || act.Type == core.ActionNone || !l.engine.ChannelLive(channelID) {
		return
	}
	if _, err := l.recorder.StartRecording(ctx, channelID); err != nil {
		log.Warn("failed to restart recording", zap.Error(err))
	}
}

// Package session runs one duplex connection end to end: handshake,
// hello, replay, live tail, and the inbound ACK/PING/INTERRUPT/CHAT_SEND
// multiplex loop. It is the generalization of the firehose subscription
// handler — accept, subscribe, read-pump-detects-disconnect, write-loop —
// reworked for a bidirectional, per-device, resumable protocol instead of
// a one-way broadcast.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/primal-host/session-backend/internal/apperror"
	"github.com/primal-host/session-backend/internal/auth"
	"github.com/primal-host/session-backend/internal/chat"
	"github.com/primal-host/session-backend/internal/eventstore"
	"github.com/primal-host/session-backend/internal/llm"
	"github.com/primal-host/session-backend/internal/logging"
	"github.com/primal-host/session-backend/internal/metrics"
	"github.com/primal-host/session-backend/internal/notify"
	"github.com/primal-host/session-backend/internal/ownership"
	"github.com/primal-host/session-backend/internal/protocol"
)

// Conn is the subset of *websocket.Conn a Session needs, so tests can
// supply an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// HandshakeRequest carries everything parsed from the upgrade request
// before the socket is touched: query parameters and the raw
// Authorization header value.
type HandshakeRequest struct {
	SaveID        string
	ResumeFrom    int64
	DeviceID      string
	Authorization string
}

// Deps are the collaborators a Session needs; one set is shared across
// every connection.
type Deps struct {
	Store        eventstore.Store
	Usage        eventstore.UsageRecorder
	Notifier     notify.Notifier
	Verifier     *auth.Verifier
	Resolver     *ownership.Resolver
	NewLLMClient func() llm.Client
	Logger       *logging.Logger
	Metrics      *metrics.Registry
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HandshakeError carries the close code that classifies a rejected
// handshake. httpapi rejects before upgrading, answering with HTTP 401 and
// the error message; the close code itself is not sent on the wire.
type HandshakeError struct {
	CloseCode int
	Err       error
}

func (e *HandshakeError) Error() string { return e.Err.Error() }
func (e *HandshakeError) Unwrap() error { return e.Err }

// closeError pairs a post-accept protocol failure with the close code the
// socket should be sent before dropping, mirroring HandshakeError's shape
// for failures discovered after the connection is already open.
type closeError struct {
	code int
	err  error
}

func (e *closeError) Error() string { return e.err.Error() }
func (e *closeError) Unwrap() error { return e.err }

// Handshake validates a request and resolves its identity and device
// state, but performs no I/O on the socket. Callers upgrade only after
// this succeeds, so a rejected handshake never sends HELLO.
func Handshake(ctx context.Context, deps Deps, req HandshakeRequest) (userID, device string, key eventstore.StreamKey, err error) {
	if req.SaveID == "" {
		return "", "", eventstore.StreamKey{}, &HandshakeError{
			CloseCode: protocol.ClosePolicyViolation,
			Err:       fmt.Errorf("session: save_id is required"),
		}
	}
	if req.ResumeFrom < 0 {
		return "", "", eventstore.StreamKey{}, &HandshakeError{
			CloseCode: protocol.ClosePolicyViolation,
			Err:       fmt.Errorf("session: resume_from must be >= 0"),
		}
	}

	token := auth.ParseBearer(req.Authorization)
	if token == "" {
		return "", "", eventstore.StreamKey{}, &HandshakeError{
			CloseCode: protocol.ClosePolicyViolation,
			Err:       fmt.Errorf("session: missing or malformed bearer token"),
		}
	}
	uid, err := deps.Verifier.VerifyAccessToken(token)
	if err != nil {
		code := protocol.ClosePolicyViolation
		if apperror.Is(err, apperror.KindProtocol) {
			code = protocol.CloseProtocolError
		}
		return "", "", eventstore.StreamKey{}, &HandshakeError{CloseCode: code, Err: err}
	}

	if err := deps.Resolver.CheckOwnership(ctx, uid, req.SaveID); err != nil {
		return "", "", eventstore.StreamKey{}, &HandshakeError{CloseCode: protocol.ClosePolicyViolation, Err: err}
	}

	device = ownership.NormalizeDevice(req.DeviceID)
	if err := deps.Resolver.CheckDeviceID(device); err != nil {
		return "", "", eventstore.StreamKey{}, &HandshakeError{CloseCode: protocol.ClosePolicyViolation, Err: err}
	}

	key = eventstore.StreamKey{UserID: uid, SaveID: req.SaveID}
	if err := deps.Resolver.CheckDeviceQuota(ctx, key, device); err != nil {
		return "", "", eventstore.StreamKey{}, &HandshakeError{CloseCode: protocol.ClosePolicyViolation, Err: err}
	}
	if err := deps.Store.EnsureDeviceCursor(ctx, key, device); err != nil {
		return "", "", eventstore.StreamKey{}, &HandshakeError{
			CloseCode: protocol.ClosePolicyViolation,
			Err:       apperror.New(apperror.KindStorage, "session: ensure device cursor", err),
		}
	}

	return uid, device, key, nil
}

// outboundWriter serializes socket writes and deduplicates log frames by
// seq, so a racing replay-drain and notify-drain can never double-send.
type outboundWriter struct {
	mu           sync.Mutex
	conn         Conn
	writeTimeout time.Duration
	lastSentSeq  int64
}

func (w *outboundWriter) send(frame protocol.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !frame.IsControl() {
		if frame.Seq <= w.lastSentSeq {
			return nil
		}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("session: marshal frame: %w", err)
	}
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if !frame.IsControl() && frame.Seq > w.lastSentSeq {
		w.lastSentSeq = frame.Seq
	}
	return nil
}

func (w *outboundWriter) watermark() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSentSeq
}

func frameFromEvent(f eventstore.Frame) protocol.Frame {
	sid := f.ServerEventID()
	return protocol.Frame{
		ProtocolVersion: protocol.Version,
		Type:            f.FrameType,
		Seq:             f.Seq,
		Cursor:          f.Seq,
		ServerEventID:   &sid,
		AckRequired:     f.AckRequired,
		Payload:         f.Payload,
	}
}

// chatSender adapts outboundWriter to chat.Sender, so the orchestrator
// never touches the socket directly.
type chatSender struct {
	w *outboundWriter
}

func (s chatSender) Send(ctx context.Context, frame eventstore.Frame) error {
	return s.w.send(frameFromEvent(frame))
}

// Session runs one accepted duplex connection to completion.
type Session struct {
	deps   Deps
	conn   Conn
	key    eventstore.StreamKey
	device string
	logger *logging.Logger

	writer      *outboundWriter
	lastAckedMu sync.Mutex
	lastAcked   int64

	orch     *chat.Orchestrator
	streamMu sync.Mutex
	streamWG sync.WaitGroup
}

// New constructs a Session for an already-upgraded, already-handshaken
// connection.
func New(deps Deps, conn Conn, key eventstore.StreamKey, device string) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = logging.L()
	}
	logger = logger.With(logging.String("user_id", key.UserID), logging.String("save_id", key.SaveID), logging.String("device_id", device))

	writer := &outboundWriter{conn: conn, writeTimeout: deps.WriteTimeout}
	s := &Session{
		deps:   deps,
		conn:   conn,
		key:    key,
		device: device,
		logger: logger,
		writer: writer,
	}
	var client llm.Client
	if deps.NewLLMClient != nil {
		client = deps.NewLLMClient()
	}
	s.orch = chat.New(key, deps.Store, deps.Usage, client, chatSender{w: writer}, logger)
	if deps.Metrics != nil {
		s.orch.WithMetrics(deps.Metrics)
	}
	return s
}

// Run drives the session: HELLO, replay, subscribe-and-drain, then the
// multiplex loop. It returns once the connection is done, after every
// background task (tailer, active chat stream) has wound down.
func (s *Session) Run(ctx context.Context, resumeFrom int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveSessions.Inc()
		defer s.deps.Metrics.ActiveSessions.Dec()
	}

	hello, err := s.deps.Store.DeviceLastAckedSeq(ctx, s.key, s.device)
	if err != nil {
		return fmt.Errorf("session: hello cursor: %w", err)
	}
	s.setLastAcked(hello)

	helloPayload, _ := json.Marshal(protocol.HelloPayload{UserID: s.key.UserID, SaveID: s.key.SaveID})
	if err := s.writer.send(protocol.Frame{
		ProtocolVersion: protocol.Version,
		Type:            protocol.TypeHello,
		Seq:             0,
		Cursor:          hello,
		AckRequired:     false,
		Payload:         helloPayload,
	}); err != nil {
		return fmt.Errorf("session: send hello: %w", err)
	}

	if err := s.replayFrom(ctx, resumeFrom); err != nil {
		return fmt.Errorf("session: initial replay: %w", err)
	}

	notifyKey := notify.StreamKey{UserID: s.key.UserID, SaveID: s.key.SaveID}
	notices, unsubscribe := s.deps.Notifier.Subscribe(ctx, notifyKey)
	defer unsubscribe()

	// Closes the "append committed between replay and subscribe" race: a
	// notice for that append may never arrive, so drain once more here,
	// unconditionally, using whatever we've already sent as the watermark.
	if err := s.replayFrom(ctx, s.writer.watermark()); err != nil {
		return fmt.Errorf("session: post-subscribe drain: %w", err)
	}

	inbound := make(chan protocol.ClientFrame, 16)
	readErrs := make(chan error, 1)
	go s.readPump(ctx, inbound, readErrs)

	var pingTicker *time.Ticker
	if s.deps.PingInterval > 0 {
		pingTicker = time.NewTicker(s.deps.PingInterval)
		defer pingTicker.Stop()
	}

	var pingC <-chan time.Time
	if pingTicker != nil {
		pingC = pingTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()

		case err := <-readErrs:
			s.teardown()
			if ce, ok := err.(*closeError); ok {
				_ = s.sendClose(ce.code, ce.err.Error())
			}
			return err

		case notice, ok := <-notices:
			if !ok {
				s.teardown()
				return fmt.Errorf("session: notifier channel closed")
			}
			if err := s.replayFrom(ctx, s.writer.watermark()); err != nil {
				s.logger.Error("session: drain on notice failed", logging.Error(err), logging.Int64("notice_seq", notice.Seq))
			}

		case <-pingC:
			// Proactive keepalive is best-effort; failure surfaces on the
			// next read/write instead of tearing down the loop here.
			_ = s.writer.send(s.pongFrame(nil))

		case frame, ok := <-inbound:
			if !ok {
				s.teardown()
				return fmt.Errorf("session: inbound channel closed")
			}
			if closeCode, err := s.dispatch(ctx, frame); err != nil {
				s.teardown()
				_ = s.sendClose(closeCode, err.Error())
				return err
			}
		}
	}
}

func (s *Session) pongFrame(payload json.RawMessage) protocol.Frame {
	return protocol.Frame{
		ProtocolVersion: protocol.Version,
		Type:            protocol.TypePong,
		Seq:             0,
		Cursor:          s.getLastAcked(),
		AckRequired:     false,
		Payload:         payload,
	}
}

func (s *Session) setLastAcked(v int64) {
	s.lastAckedMu.Lock()
	s.lastAcked = v
	s.lastAckedMu.Unlock()
}

func (s *Session) getLastAcked() int64 {
	s.lastAckedMu.Lock()
	defer s.lastAckedMu.Unlock()
	return s.lastAcked
}

// replayFrom sends every frame with seq > from (clamped to trimmed_upto
// internally by the store). The outbound writer's dedup-by-seq makes
// this safe to call repeatedly with overlapping ranges.
func (s *Session) replayFrom(ctx context.Context, from int64) error {
	frames, err := s.deps.Store.Replay(ctx, s.key, from)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := s.writer.send(frameFromEvent(f)); err != nil {
			return err
		}
	}
	return nil
}

// dispatch applies one inbound client frame. A non-nil error means the
// connection must close with the returned code.
func (s *Session) dispatch(ctx context.Context, frame protocol.ClientFrame) (int, error) {
	switch frame.Type {
	case protocol.ClientTypeAck:
		cursor := int64(0)
		switch {
		case frame.Cursor != nil:
			cursor = *frame.Cursor
		case frame.Seq != nil:
			cursor = *frame.Seq
		default:
			return protocol.CloseProtocolError, fmt.Errorf("session: ACK missing cursor")
		}
		effective, err := s.deps.Store.Ack(ctx, s.key, s.device, cursor)
		if err != nil {
			s.logger.Error("session: ack failed", logging.Error(err))
			return 0, nil
		}
		s.setLastAcked(effective)
		if s.deps.Metrics != nil {
			s.deps.Metrics.AcksTotal.Inc()
		}
		return 0, nil

	case protocol.ClientTypePing:
		if err := s.writer.send(s.pongFrame(frame.Payload)); err != nil {
			return 0, nil
		}
		return 0, nil

	case protocol.ClientTypeInterrupt:
		s.orch.Interrupt()
		return 0, nil

	case protocol.ClientTypeChatSend:
		var payload protocol.ChatSendPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return protocol.CloseProtocolError, fmt.Errorf("session: CHAT_SEND malformed payload.text")
		}
		s.startChat(ctx, payload.Text, frame.ClientRequestID)
		return 0, nil

	default:
		return protocol.CloseProtocolError, fmt.Errorf("session: unrecognized frame type %q", frame.Type)
	}
}

// startChat interrupts any in-flight stream, waits for its Finalizing to
// complete, then begins a new one in the background. Per spec there is
// never more than one active stream per connection.
func (s *Session) startChat(ctx context.Context, text, clientRequestID string) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.orch.Active() {
		s.orch.Interrupt()
		s.streamWG.Wait()
	}

	s.streamWG.Add(1)
	go func() {
		defer s.streamWG.Done()
		if err := s.orch.Start(ctx, text, clientRequestID); err != nil {
			s.logger.Error("session: start chat stream failed", logging.Error(err))
		}
	}()
}

// teardown interrupts any active chat stream and waits for its
// cancellation-shielded finalize to complete before returning. Finalize
// itself runs on a background context, so this never loses a usage
// commit even though the session's own ctx has just been cancelled.
func (s *Session) teardown() {
	s.orch.Interrupt()
	s.streamWG.Wait()
}

func (s *Session) sendClose(code int, reason string) error {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.deps.WriteTimeout))
	err := s.conn.WriteMessage(websocket.CloseMessage, msg)
	_ = s.conn.Close()
	return err
}

// readPump decodes inbound client frames and forwards them on ch. It is
// the session's single reader; its exit (any read error, including
// client-initiated close) is the primary disconnect signal.
func (s *Session) readPump(ctx context.Context, ch chan<- protocol.ClientFrame, errc chan<- error) {
	defer close(ch)
	if s.deps.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.deps.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.deps.ReadTimeout))
		})
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case errc <- err:
			default:
			}
			return
		}
		if s.deps.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.deps.ReadTimeout))
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			select {
			case errc <- &closeError{code: protocol.CloseProtocolError, err: fmt.Errorf("session: malformed inbound frame: %w", err)}:
			default:
			}
			return
		}

		select {
		case ch <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// ParseResumeFrom parses the resume_from query parameter per the
// handshake contract: required, integer, >= 0.
func ParseResumeFrom(raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("session: resume_from must be a non-negative integer, got %q", raw)
	}
	return v, nil
}

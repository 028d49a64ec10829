package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"fleetdiag/internal/media"
	"fleetdiag/internal/metrics"
	"fleetdiag/internal/models"
)

// State is the primary lifecycle position of a diagnostic session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateIdle          State = "idle"
	StateAwaiting      State = "awaiting_response"
)

const (
	// RecordingLimit caps one voice capture. The timer fires a forced stop
	// so the input is always released even if the caller walks away.
	RecordingLimit = 10 * time.Second

	fallbackGreeting    = "Hi! I'm having trouble connecting right now. Let me help you with a basic diagnostic approach..."
	sendFailureReply    = "Sorry, I'm having trouble processing that. Can you try again?"
	imageFallbackReply  = "I'm having trouble analyzing that image. Can you describe what you see?"
	imageAnalysisPrefix = "📷 Image Analysis:\n\n"
)

// Deps bundles the machine's collaborators. Engine and Store are required;
// the rest degrade the matching feature when nil. OnDataCaptured fires after
// a successful exchange whose snapshot differs from the previous one.
type Deps struct {
	Engine         Diagnostic
	Store          Store
	Transcriber    Transcriber
	Speaker        Speaker
	Analyzer       ImageAnalyzer
	Recorder       Recorder
	OnDataCaptured func(models.CapturedData)
}

type feedbackEntry struct {
	rating         models.FeedbackRating
	submitted      bool
	commentPending bool
}

// ExchangeReply carries both halves of one settled exchange: the user's
// optimistically appended message with its final status, and the assistant
// turn that answers it.
type ExchangeReply struct {
	User      *models.Message
	Assistant *models.Message
}

// Machine runs one diagnostic session's lifecycle. Guards are checked under
// the mutex; engine and media round trips happen outside it so a slow
// exchange never blocks state reads. The busy flags serialize operations
// instead.
type Machine struct {
	mu sync.Mutex

	state      State
	session    *models.Session
	truck      *models.Truck
	project    *models.Project
	messages   []*models.Message
	feedback   map[int]*feedbackEntry
	draft      string
	voice      string
	ttsEnabled bool

	recording Recording
	recTimer  *time.Timer
	analyzing bool
	speaking  bool

	engine      Diagnostic
	store       Store
	transcriber Transcriber
	speaker     Speaker
	analyzer    ImageAnalyzer
	recorder    Recorder
	onCaptured  func(models.CapturedData)
}

// NewMachine builds the machine for a session. A non-empty history means the
// session was started earlier and resumes in idle.
func NewMachine(session *models.Session, truck *models.Truck, project *models.Project, history []*models.Message, prior []models.Feedback, deps Deps) (*Machine, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	if deps.Engine == nil || deps.Store == nil {
		return nil, errors.New("engine and store are required")
	}

	m := &Machine{
		state:    StateUninitialized,
		session:  session,
		truck:    truck,
		project:  project,
		feedback: make(map[int]*feedbackEntry),
		voice:    media.DefaultVoice,

		engine:      deps.Engine,
		store:       deps.Store,
		transcriber: deps.Transcriber,
		speaker:     deps.Speaker,
		analyzer:    deps.Analyzer,
		recorder:    deps.Recorder,
		onCaptured:  deps.OnDataCaptured,
	}
	if len(history) > 0 {
		m.messages = append(m.messages, history...)
		m.state = StateIdle
	}
	for _, fb := range prior {
		m.feedback[fb.MessageIndex] = &feedbackEntry{rating: fb.Rating, submitted: true}
	}
	return m, nil
}

// Start runs the session start handshake. The engine being unreachable is
// not an error: the session degrades to a local greeting with no external id
// and no plan, and still lands in idle.
func (m *Machine) Start(ctx context.Context) (*models.Message, error) {
	m.mu.Lock()
	if m.state != StateUninitialized {
		m.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	m.state = StateStarting
	m.mu.Unlock()

	defer m.setState(StateIdle)

	greeting := fallbackGreeting
	outcome, err := m.engine.StartSession(ctx, m.truck, m.project)
	if err != nil {
		log.Printf("session %d: engine start failed, using fallback: %v", m.session.ID, err)
		metrics.SessionsStarted.WithLabelValues("fallback").Inc()
	} else {
		greeting = outcome.Greeting
		if err := m.store.SetSessionExternalID(ctx, m.session.ID, outcome.ExternalID); err != nil {
			log.Printf("session %d: persist external id: %v", m.session.ID, err)
		}
		if err := m.store.UpdateSessionPlan(ctx, m.session.ID, outcome.Plan); err != nil {
			log.Printf("session %d: persist plan: %v", m.session.ID, err)
		}
		m.mu.Lock()
		m.session.ExternalID = outcome.ExternalID
		m.session.Plan = outcome.Plan
		m.mu.Unlock()
		metrics.SessionsStarted.WithLabelValues("ok").Inc()
	}

	return m.appendAssistant(ctx, greeting, "")
}

// Send runs one exchange. The user message is appended pending before the
// engine round trip and settled to delivered or failed afterwards; a failed
// round trip still yields an assistant turn carrying the retry prompt.
func (m *Machine) Send(ctx context.Context, content string) (*ExchangeReply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("message cannot be empty")
	}

	m.mu.Lock()
	switch m.state {
	case StateUninitialized, StateStarting:
		m.mu.Unlock()
		return nil, ErrNotStarted
	case StateAwaiting:
		m.mu.Unlock()
		return nil, ErrAwaitingResponse
	}
	m.state = StateAwaiting
	m.draft = ""
	history := m.snapshotLocked()
	m.mu.Unlock()

	defer m.setState(StateIdle)

	userMsg, err := m.store.AddMessage(ctx, models.Message{
		SessionID: m.session.ID,
		UserID:    m.session.UserID,
		Role:      models.MessageRoleUser,
		Content:   content,
		Status:    models.MessagePending,
	})
	if err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	m.appendLocal(userMsg)

	outcome, exchErr := m.engine.Exchange(ctx, m.session, history, content)

	reply := sendFailureReply
	status := models.MessageFailed
	if exchErr != nil {
		log.Printf("session %d: exchange failed: %v", m.session.ID, exchErr)
		metrics.DiagnosticExchanges.WithLabelValues("error").Inc()
	} else {
		reply = outcome.Reply
		status = models.MessageDelivered
		if outcome.HasCaptured {
			m.mu.Lock()
			changed := !outcome.Captured.Equal(m.session.Captured)
			m.mu.Unlock()
			// An identical snapshot is a no-op: no write, no notification.
			if changed {
				if err := m.store.ReplaceCapturedData(ctx, m.session.ID, outcome.Captured); err != nil {
					log.Printf("session %d: replace captured data: %v", m.session.ID, err)
				} else {
					m.mu.Lock()
					m.session.Captured = outcome.Captured
					m.mu.Unlock()
					if m.onCaptured != nil {
						m.onCaptured(outcome.Captured)
					}
				}
			}
		}
		metrics.DiagnosticExchanges.WithLabelValues("ok").Inc()
	}

	if err := m.store.UpdateMessageStatus(ctx, userMsg.ID, status); err != nil {
		log.Printf("session %d: settle message %d: %v", m.session.ID, userMsg.ID, err)
	}
	userMsg.Status = status

	assistant, err := m.appendAssistant(ctx, reply, "")
	if err != nil {
		return nil, err
	}
	return &ExchangeReply{User: userMsg, Assistant: assistant}, nil
}

// StartRecording opens a voice capture and arms the auto-stop timer.
func (m *Machine) StartRecording(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorder == nil || m.transcriber == nil {
		return errors.New("voice capture is not available")
	}
	if m.state == StateUninitialized || m.state == StateStarting {
		return ErrNotStarted
	}
	if m.state == StateAwaiting {
		return ErrAwaitingResponse
	}
	if m.analyzing {
		return ErrAnalysisActive
	}
	if m.recording != nil {
		return ErrRecordingActive
	}

	rec, err := m.recorder.Start(ctx)
	if err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	m.recording = rec
	m.recTimer = time.AfterFunc(RecordingLimit, m.autoStopRecording)
	return nil
}

// StopRecording releases the capture, transcribes it and folds the text into
// the draft. The capture is released before transcription, so a transcriber
// failure never leaves the input held; that failure only logs and leaves the
// draft as it was.
func (m *Machine) StopRecording(ctx context.Context) (string, error) {
	m.mu.Lock()
	rec := m.recording
	timer := m.recTimer
	m.recording = nil
	m.recTimer = nil
	m.mu.Unlock()

	if rec == nil {
		return "", ErrNotRecording
	}
	if timer != nil {
		timer.Stop()
	}

	audio, err := rec.Stop()
	if err != nil {
		return "", fmt.Errorf("stop recording: %w", err)
	}
	if len(audio) == 0 {
		return m.Draft(), nil
	}

	text, err := m.transcriber.Transcribe(ctx, "recording.webm", audio)
	if err != nil {
		log.Printf("session %d: transcribe failed, keeping draft: %v", m.session.ID, err)
		return m.Draft(), nil
	}

	m.mu.Lock()
	m.draft = joinDraft(m.draft, text)
	draft := m.draft
	m.mu.Unlock()
	return draft, nil
}

// AppendAudio feeds a chunk into the live capture.
func (m *Machine) AppendAudio(data []byte) error {
	m.mu.Lock()
	rec := m.recording
	m.mu.Unlock()
	if rec == nil {
		return ErrNotRecording
	}
	w, ok := rec.(io.Writer)
	if !ok {
		return errors.New("recording does not accept pushed audio")
	}
	_, err := w.Write(data)
	return err
}

func (m *Machine) autoStopRecording() {
	if _, err := m.StopRecording(context.Background()); err != nil && !errors.Is(err, ErrNotRecording) {
		log.Printf("session %d: auto-stop recording: %v", m.session.ID, err)
	}
}

// Recording reports whether a capture is live.
func (m *Machine) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording != nil
}

// Draft returns the accumulated voice transcription text.
func (m *Machine) Draft() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draft
}

// AnalyzeImage describes an uploaded photo and appends the result as an
// assistant turn. Analysis failure degrades to a canned reply rather than an
// error so the transcript keeps moving.
func (m *Machine) AnalyzeImage(ctx context.Context, prompt, mimeType string, image []byte, imageURL string) (*models.Message, error) {
	m.mu.Lock()
	if m.analyzer == nil {
		m.mu.Unlock()
		return nil, errors.New("image analysis is not available")
	}
	if m.state == StateUninitialized || m.state == StateStarting {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}
	if m.state == StateAwaiting {
		m.mu.Unlock()
		return nil, ErrAwaitingResponse
	}
	if m.recording != nil {
		m.mu.Unlock()
		return nil, ErrRecordingActive
	}
	if m.analyzing {
		m.mu.Unlock()
		return nil, ErrAnalysisActive
	}
	m.analyzing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.analyzing = false
		m.mu.Unlock()
	}()

	content := imageFallbackReply
	result, err := m.analyzer.AnalyzeImage(ctx, prompt, mimeType, image)
	if err != nil {
		log.Printf("session %d: image analysis failed: %v", m.session.ID, err)
	} else {
		content = imageAnalysisPrefix + result
	}
	return m.appendAssistant(ctx, content, imageURL)
}

// Speak synthesizes one assistant message in the session's selected voice.
func (m *Machine) Speak(ctx context.Context, messageIndex int) ([]byte, error) {
	m.mu.Lock()
	if m.speaker == nil {
		m.mu.Unlock()
		return nil, errors.New("speech synthesis is not available")
	}
	if m.speaking {
		m.mu.Unlock()
		return nil, ErrSpeechActive
	}
	msg, err := m.assistantAtLocked(messageIndex)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	voice := m.voice
	m.speaking = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.speaking = false
		m.mu.Unlock()
	}()

	return m.speaker.Speak(ctx, msg.Content, voice)
}

// SetVoice selects the TTS voice for this session.
func (m *Machine) SetVoice(voice string) error {
	if !media.ValidVoice(voice) {
		return fmt.Errorf("%w: %s", media.ErrInvalidVoice, voice)
	}
	m.mu.Lock()
	m.voice = voice
	m.mu.Unlock()
	return nil
}

// Voice returns the selected TTS voice.
func (m *Machine) Voice() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voice
}

// EnableTTS toggles automatic playback of assistant replies.
func (m *Machine) EnableTTS(enabled bool) {
	m.mu.Lock()
	m.ttsEnabled = enabled
	m.mu.Unlock()
}

// TTSEnabled reports whether automatic playback is on.
func (m *Machine) TTSEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttsEnabled
}

// RateMessage records a rating for an assistant message. A thumbs up submits
// immediately with an empty comment; a thumbs down opens a comment slot that
// SubmitComment settles later. Ratings are final once submitted.
func (m *Machine) RateMessage(ctx context.Context, messageIndex int, rating models.FeedbackRating) error {
	if rating != models.FeedbackUp && rating != models.FeedbackDown {
		return fmt.Errorf("invalid rating %q", rating)
	}

	m.mu.Lock()
	if m.state == StateUninitialized || m.state == StateStarting {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if _, err := m.assistantAtLocked(messageIndex); err != nil {
		m.mu.Unlock()
		return err
	}
	entry := m.feedback[messageIndex]
	if entry != nil && entry.submitted {
		m.mu.Unlock()
		return ErrFeedbackSubmitted
	}
	if rating == models.FeedbackDown {
		m.feedback[messageIndex] = &feedbackEntry{rating: rating, commentPending: true}
		m.mu.Unlock()
		return nil
	}
	m.feedback[messageIndex] = &feedbackEntry{rating: rating}
	m.mu.Unlock()

	return m.submitFeedback(ctx, messageIndex, rating, "")
}

// SubmitComment settles a pending thumbs-down with its comment.
func (m *Machine) SubmitComment(ctx context.Context, messageIndex int, comment string) error {
	m.mu.Lock()
	entry := m.feedback[messageIndex]
	if entry == nil || !entry.commentPending {
		m.mu.Unlock()
		if entry != nil && entry.submitted {
			return ErrFeedbackSubmitted
		}
		return ErrNoPendingComment
	}
	rating := entry.rating
	m.mu.Unlock()

	return m.submitFeedback(ctx, messageIndex, rating, comment)
}

func (m *Machine) submitFeedback(ctx context.Context, messageIndex int, rating models.FeedbackRating, comment string) error {
	_, err := m.store.SubmitFeedback(ctx, models.Feedback{
		SessionID:    m.session.ID,
		UserID:       m.session.UserID,
		MessageIndex: messageIndex,
		Rating:       rating,
		Comment:      comment,
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.feedback[messageIndex] = &feedbackEntry{rating: rating, submitted: true}
	m.mu.Unlock()
	metrics.FeedbackSubmitted.WithLabelValues(string(rating)).Inc()
	return nil
}

// FeedbackState reports the rating and whether it was submitted for a
// message index.
func (m *Machine) FeedbackState(messageIndex int) (models.FeedbackRating, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.feedback[messageIndex]
	if entry == nil {
		return "", false, false
	}
	return entry.rating, entry.commentPending, entry.submitted
}

// State returns the machine's lifecycle position.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the session record as the machine sees it.
func (m *Machine) Session() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.session
}

// Messages returns a snapshot of the transcript.
func (m *Machine) Messages() []*models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() []*models.Message {
	out := make([]*models.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *Machine) appendLocal(msg *models.Message) {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
}

func (m *Machine) appendAssistant(ctx context.Context, content, imageURL string) (*models.Message, error) {
	msg, err := m.store.AddMessage(ctx, models.Message{
		SessionID: m.session.ID,
		UserID:    m.session.UserID,
		Role:      models.MessageRoleAssistant,
		Content:   content,
		ImageURL:  imageURL,
		Status:    models.MessageDelivered,
	})
	if err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}
	m.appendLocal(msg)
	return msg, nil
}

func (m *Machine) assistantAtLocked(index int) (*models.Message, error) {
	if index < 0 || index >= len(m.messages) {
		return nil, fmt.Errorf("message index %d out of range", index)
	}
	msg := m.messages[index]
	if msg.Role != models.MessageRoleAssistant {
		return nil, ErrNotAssistantTurn
	}
	return msg, nil
}

func (m *Machine) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func joinDraft(draft, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return draft
	}
	if draft == "" {
		return text
	}
	return draft + " " + text
}

package session

import (
	"context"
	"errors"

	"fleetdiag/internal/models"
)

// StartOutcome is the engine's answer to a session start.
type StartOutcome struct {
	ExternalID string
	Greeting   string
	Plan       models.DiagnosticPlan
}

// ExchangeOutcome is the engine's answer to one message exchange. When
// HasCaptured is set, Captured replaces the session aggregate wholesale.
type ExchangeOutcome struct {
	Reply       string
	Captured    models.CapturedData
	HasCaptured bool
}

// Diagnostic is the conversation engine behind a session.
type Diagnostic interface {
	StartSession(ctx context.Context, truck *models.Truck, project *models.Project) (*StartOutcome, error)
	Exchange(ctx context.Context, session *models.Session, history []*models.Message, userContent string) (*ExchangeOutcome, error)
}

// Transcriber converts captured audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, fileName string, audio []byte) (string, error)
}

// Speaker synthesizes assistant text into audio.
type Speaker interface {
	Speak(ctx context.Context, text, voice string) ([]byte, error)
}

// ImageAnalyzer describes an uploaded photo.
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, prompt, mimeType string, image []byte) (string, error)
}

// Recording is one live audio capture. Stop releases the underlying input
// and returns whatever was recorded; it must be safe to call exactly once.
type Recording interface {
	Stop() ([]byte, error)
}

// Recorder opens an audio capture for voice input.
type Recorder interface {
	Start(ctx context.Context) (Recording, error)
}

// Store is the persistence surface the machine writes through.
type Store interface {
	AddMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID int64, status models.MessageStatus) error
	ReplaceCapturedData(ctx context.Context, sessionID int64, captured models.CapturedData) error
	SetSessionExternalID(ctx context.Context, sessionID int64, externalID string) error
	UpdateSessionPlan(ctx context.Context, sessionID int64, plan models.DiagnosticPlan) error
	SubmitFeedback(ctx context.Context, fb models.Feedback) (*models.Feedback, error)
}

// Guard errors surfaced to handlers. Each names the operation that cannot
// proceed in the current machine state.
var (
	ErrNotStarted        = errors.New("session has not been started")
	ErrAlreadyStarted    = errors.New("session already started")
	ErrAwaitingResponse  = errors.New("a response is still in flight")
	ErrRecordingActive   = errors.New("a recording is already active")
	ErrNotRecording      = errors.New("no recording is active")
	ErrAnalysisActive    = errors.New("an image analysis is already running")
	ErrSpeechActive      = errors.New("speech synthesis is already running")
	ErrFeedbackSubmitted = errors.New("feedback already submitted for this message")
	ErrNoPendingComment  = errors.New("no comment pending for this message")
	ErrNotAssistantTurn  = errors.New("feedback applies to assistant messages only")
)

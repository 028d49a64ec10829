package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"fleetdiag/internal/models"
)

func TestStartSuccessPersistsHandleAndPlan(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{
		startOut: &StartOutcome{
			ExternalID: "ext-123",
			Greeting:   "Let's work through those codes.",
			Plan: models.DiagnosticPlan{
				Title: "SPN 3216 plan",
				Steps: []string{"Check sensor wiring", "Read freeze frame"},
			},
		},
	}
	m := newTestMachine(t, store, eng, nil)

	greeting, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if greeting.Content != eng.startOut.Greeting {
		t.Fatalf("greeting = %q", greeting.Content)
	}
	if greeting.Role != models.MessageRoleAssistant {
		t.Fatalf("greeting role = %s", greeting.Role)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want idle", m.State())
	}
	if store.externalID != "ext-123" {
		t.Fatalf("external id not persisted: %q", store.externalID)
	}
	if store.plan.Title != "SPN 3216 plan" || len(store.plan.Steps) != 2 {
		t.Fatalf("plan not persisted: %#v", store.plan)
	}
	if got := m.Session(); got.ExternalID != "ext-123" {
		t.Fatalf("machine session not updated: %#v", got)
	}
}

func TestStartFallsBackWhenEngineUnreachable(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{startErr: errors.New("connect refused")}
	m := newTestMachine(t, store, eng, nil)

	greeting, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start must not fail on engine error: %v", err)
	}
	if greeting.Content != fallbackGreeting {
		t.Fatalf("greeting = %q, want fallback", greeting.Content)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %s, want idle", m.State())
	}
	if store.externalID != "" {
		t.Fatalf("no external id should be persisted on fallback")
	}
	if _, err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestSendSettlesOptimisticMessage(t *testing.T) {
	store := newMockStore()
	captured := models.NewCapturedData()
	captured.Readings["oil_pressure"] = models.Reading{Value: "18", Unit: "psi"}
	captured.StepsCompleted = 1
	eng := &mockEngine{
		startOut: &StartOutcome{ExternalID: "e", Greeting: "hi"},
		exchOut:  &ExchangeOutcome{Reply: "Pressure is low.", Captured: captured, HasCaptured: true},
	}
	m := newTestMachine(t, store, eng, nil)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	reply, err := m.Send(context.Background(), "oil pressure reads 18 psi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.User.Status != models.MessageDelivered {
		t.Fatalf("user status = %s, want delivered", reply.User.Status)
	}
	if reply.Assistant.Content != "Pressure is low." {
		t.Fatalf("assistant = %q", reply.Assistant.Content)
	}
	if store.statuses[reply.User.ID] != models.MessageDelivered {
		t.Fatalf("store status = %s", store.statuses[reply.User.ID])
	}
	if got := store.captured.Readings["oil_pressure"].Value; got != "18" {
		t.Fatalf("captured not replaced: %#v", store.captured)
	}
	if got := m.Session().Captured; got.StepsCompleted != 1 {
		t.Fatalf("machine captured not updated: %#v", got)
	}
	if m.State() != StateIdle {
		t.Fatalf("state = %s after send", m.State())
	}
}

func TestSendFailureKeepsTranscriptMoving(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{
		startOut: &StartOutcome{Greeting: "hi"},
		exchErr:  errors.New("timeout"),
	}
	m := newTestMachine(t, store, eng, nil)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before := m.Session().Captured
	reply, err := m.Send(context.Background(), "hello?")
	if err != nil {
		t.Fatalf("Send must not fail on exchange error: %v", err)
	}
	if reply.User.Status != models.MessageFailed {
		t.Fatalf("user status = %s, want failed", reply.User.Status)
	}
	if reply.Assistant.Content != sendFailureReply {
		t.Fatalf("assistant = %q, want retry prompt", reply.Assistant.Content)
	}
	if !m.Session().Captured.Equal(before) {
		t.Fatalf("captured data changed on failed exchange")
	}
}

func TestSendGuards(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{startOut: &StartOutcome{Greeting: "hi"}}
	m := newTestMachine(t, store, eng, nil)

	if _, err := m.Send(context.Background(), "too early"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Send before Start = %v, want ErrNotStarted", err)
	}
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Send(context.Background(), "  "); err == nil {
		t.Fatalf("empty message must be rejected")
	}

	// Block the engine so a second send hits the awaiting guard.
	eng.block = make(chan struct{})
	eng.started = make(chan struct{}, 1)
	eng.exchOut = &ExchangeOutcome{Reply: "ok"}
	done := make(chan struct{})
	go func() {
		_, _ = m.Send(context.Background(), "first")
		close(done)
	}()
	<-eng.started
	if _, err := m.Send(context.Background(), "second"); !errors.Is(err, ErrAwaitingResponse) {
		t.Fatalf("concurrent Send = %v, want ErrAwaitingResponse", err)
	}
	close(eng.block)
	<-done
}

func TestVoiceCaptureLifecycle(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{startOut: &StartOutcome{Greeting: "hi"}}
	tr := &mockTranscriber{text: "check the egr valve"}
	m := newTestMachine(t, store, eng, func(d *Deps) {
		d.Transcriber = tr
		d.Recorder = BufferRecorder{}
	})
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := m.StartRecording(context.Background()); !errors.Is(err, ErrRecordingActive) {
		t.Fatalf("double StartRecording = %v, want ErrRecordingActive", err)
	}
	if err := m.AppendAudio([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}

	draft, err := m.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if draft != "check the egr valve" {
		t.Fatalf("draft = %q", draft)
	}
	if len(tr.gotAudio) != 2 {
		t.Fatalf("transcriber audio = %v", tr.gotAudio)
	}
	if m.Recording() {
		t.Fatalf("capture still live after stop")
	}
	if _, err := m.StopRecording(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("second stop = %v, want ErrNotRecording", err)
	}

	// A second take folds into the draft with a space.
	tr.text = "and the turbo lines"
	if err := m.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := m.AppendAudio([]byte{0x03}); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	draft, err = m.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if draft != "check the egr valve and the turbo lines" {
		t.Fatalf("joined draft = %q", draft)
	}

	// Sending clears the draft.
	eng.exchOut = &ExchangeOutcome{Reply: "noted"}
	if _, err := m.Send(context.Background(), draft); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Draft() != "" {
		t.Fatalf("draft not cleared by send: %q", m.Draft())
	}
}

func TestStopRecordingDegradesOnTranscribeFailure(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{startOut: &StartOutcome{Greeting: "hi"}}
	tr := &mockTranscriber{text: "first take"}
	m := newTestMachine(t, store, eng, func(d *Deps) {
		d.Transcriber = tr
		d.Recorder = BufferRecorder{}
	})
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := m.AppendAudio([]byte{0x01}); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if _, err := m.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	// A failed transcription releases the capture, keeps the draft and
	// surfaces no error to the caller.
	tr.err = errors.New("stt offline")
	if err := m.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := m.AppendAudio([]byte{0xff}); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	draft, err := m.StopRecording(context.Background())
	if err != nil {
		t.Fatalf("transcribe failure must degrade silently, got %v", err)
	}
	if draft != "first take" {
		t.Fatalf("draft changed on failed transcription: %q", draft)
	}
	if m.Recording() {
		t.Fatalf("capture must be released even when transcription fails")
	}
}

func TestBusyExchangeBlocksSideChannels(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{
		startOut: &StartOutcome{Greeting: "hi"},
		exchOut:  &ExchangeOutcome{Reply: "ok"},
		block:    make(chan struct{}),
		started:  make(chan struct{}, 1),
	}
	m := newTestMachine(t, store, eng, func(d *Deps) {
		d.Transcriber = &mockTranscriber{text: "x"}
		d.Recorder = BufferRecorder{}
		d.Analyzer = &mockAnalyzer{result: "x"}
	})
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = m.Send(context.Background(), "slow question")
		close(done)
	}()
	<-eng.started

	if err := m.StartRecording(context.Background()); !errors.Is(err, ErrAwaitingResponse) {
		t.Fatalf("StartRecording while awaiting = %v, want ErrAwaitingResponse", err)
	}
	if _, err := m.AnalyzeImage(context.Background(), "", "image/jpeg", []byte{0x01}, ""); !errors.Is(err, ErrAwaitingResponse) {
		t.Fatalf("AnalyzeImage while awaiting = %v, want ErrAwaitingResponse", err)
	}

	close(eng.block)
	<-done
}

func TestVoiceCaptureAndAnalysisExcludeEachOther(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{startOut: &StartOutcome{Greeting: "hi"}}
	an := &mockAnalyzer{
		result:  "x",
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	m := newTestMachine(t, store, eng, func(d *Deps) {
		d.Transcriber = &mockTranscriber{text: "x"}
		d.Recorder = BufferRecorder{}
		d.Analyzer = an
	})
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// No recording while an analysis is in flight.
	done := make(chan struct{})
	go func() {
		_, _ = m.AnalyzeImage(context.Background(), "", "image/jpeg", []byte{0x01}, "")
		close(done)
	}()
	<-an.started
	if err := m.StartRecording(context.Background()); !errors.Is(err, ErrAnalysisActive) {
		t.Fatalf("StartRecording during analysis = %v, want ErrAnalysisActive", err)
	}
	close(an.block)
	<-done

	// No analysis while a capture is live.
	if err := m.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := m.AnalyzeImage(context.Background(), "", "image/jpeg", []byte{0x01}, ""); !errors.Is(err, ErrRecordingActive) {
		t.Fatalf("AnalyzeImage during capture = %v, want ErrRecordingActive", err)
	}
	if _, err := m.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
}

func TestAutoStopFoldsDraft(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{startOut: &StartOutcome{Greeting: "hi"}}
	tr := &mockTranscriber{text: "timer take"}
	m := newTestMachine(t, store, eng, func(d *Deps) {
		d.Transcriber = tr
		d.Recorder = BufferRecorder{}
	})
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := m.AppendAudio([]byte{0x01}); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}

	m.autoStopRecording()
	if m.Recording() {
		t.Fatalf("auto stop must release the capture")
	}
	if m.Draft() != "timer take" {
		t.Fatalf("draft = %q", m.Draft())
	}
	// Auto stop after a manual stop is a no-op.
	m.autoStopRecording()
}

func TestAnalyzeImage(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{startOut: &StartOutcome{Greeting: "hi"}}
	an := &mockAnalyzer{result: "Coolant residue around the EGR cooler."}
	m := newTestMachine(t, store, eng, func(d *Deps) { d.Analyzer = an })
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	msg, err := m.AnalyzeImage(context.Background(), "what do you see", "image/jpeg", []byte{0x01}, "/api/attachments/download?token=x")
	if err != nil {
		t.Fatalf("AnalyzeImage: %v", err)
	}
	if !strings.HasPrefix(msg.Content, imageAnalysisPrefix) {
		t.Fatalf("missing analysis prefix: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "EGR cooler") {
		t.Fatalf("analysis content lost: %q", msg.Content)
	}
	if msg.ImageURL == "" {
		t.Fatalf("image url not carried on assistant turn")
	}

	an.err = errors.New("vision offline")
	msg, err = m.AnalyzeImage(context.Background(), "", "image/png", []byte{0x02}, "")
	if err != nil {
		t.Fatalf("AnalyzeImage must degrade, not fail: %v", err)
	}
	if msg.Content != imageFallbackReply {
		t.Fatalf("fallback = %q", msg.Content)
	}
}

func TestSpeakUsesSelectedVoice(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{startOut: &StartOutcome{Greeting: "hello there"}}
	sp := &mockSpeaker{audio: []byte("mp3")}
	m := newTestMachine(t, store, eng, func(d *Deps) { d.Speaker = sp })
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Voice() != "alloy" {
		t.Fatalf("default voice = %q", m.Voice())
	}
	if err := m.SetVoice("whisper"); err == nil {
		t.Fatalf("invalid voice accepted")
	}
	if err := m.SetVoice("nova"); err != nil {
		t.Fatalf("SetVoice: %v", err)
	}

	audio, err := m.Speak(context.Background(), 0)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if string(audio) != "mp3" {
		t.Fatalf("audio = %q", audio)
	}
	if sp.gotVoice != "nova" {
		t.Fatalf("speaker voice = %q", sp.gotVoice)
	}
	if sp.gotText != "hello there" {
		t.Fatalf("speaker text = %q", sp.gotText)
	}

	m.EnableTTS(true)
	if !m.TTSEnabled() {
		t.Fatalf("tts toggle lost")
	}
}

func TestSpeakRejectsConcurrentPlayback(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{startOut: &StartOutcome{Greeting: "hello there"}}
	sp := &mockSpeaker{
		audio:   []byte("mp3"),
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	m := newTestMachine(t, store, eng, func(d *Deps) { d.Speaker = sp })
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = m.Speak(context.Background(), 0)
		close(done)
	}()
	<-sp.started
	if _, err := m.Speak(context.Background(), 0); !errors.Is(err, ErrSpeechActive) {
		t.Fatalf("concurrent Speak = %v, want ErrSpeechActive", err)
	}
	close(sp.block)
	<-done

	// The flag clears once playback settles.
	if _, err := m.Speak(context.Background(), 0); err != nil {
		t.Fatalf("Speak after playback: %v", err)
	}
}

func TestCapturedCallbackFiresOnlyOnChange(t *testing.T) {
	store := newMockStore()
	captured := models.NewCapturedData()
	captured.Readings["oil_pressure"] = models.Reading{Value: "18", Unit: "psi"}
	captured.StepsCompleted = 1
	eng := &mockEngine{
		startOut: &StartOutcome{Greeting: "hi"},
		exchOut:  &ExchangeOutcome{Reply: "ok", Captured: captured, HasCaptured: true},
	}
	var notified []models.CapturedData
	m := newTestMachine(t, store, eng, func(d *Deps) {
		d.OnDataCaptured = func(c models.CapturedData) { notified = append(notified, c) }
	})
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := m.Send(context.Background(), "pressure is 18"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(notified) != 1 || notified[0].StepsCompleted != 1 {
		t.Fatalf("notification after change = %#v", notified)
	}
	if store.replaceCount() != 1 {
		t.Fatalf("replace writes = %d, want 1", store.replaceCount())
	}

	// An identical snapshot neither notifies nor rewrites.
	if _, err := m.Send(context.Background(), "still 18"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(notified) != 1 {
		t.Fatalf("identical snapshot must not notify, got %d calls", len(notified))
	}
	if store.replaceCount() != 1 {
		t.Fatalf("identical snapshot must not rewrite, writes = %d", store.replaceCount())
	}

	// A changed snapshot fires again.
	next := models.NewCapturedData()
	next.Readings["oil_pressure"] = models.Reading{Value: "18", Unit: "psi"}
	next.StepsCompleted = 2
	eng.exchOut = &ExchangeOutcome{Reply: "ok", Captured: next, HasCaptured: true}
	if _, err := m.Send(context.Background(), "moved on"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(notified) != 2 || notified[1].StepsCompleted != 2 {
		t.Fatalf("notification after second change = %#v", notified)
	}
}

func TestFeedbackThumbsUpSubmitsImmediately(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{startOut: &StartOutcome{Greeting: "hi"}}
	m := newTestMachine(t, store, eng, nil)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.RateMessage(context.Background(), 0, models.FeedbackUp); err != nil {
		t.Fatalf("RateMessage: %v", err)
	}
	if len(store.feedback) != 1 {
		t.Fatalf("feedback rows = %d", len(store.feedback))
	}
	if store.feedback[0].Rating != models.FeedbackUp || store.feedback[0].Comment != "" {
		t.Fatalf("unexpected feedback: %#v", store.feedback[0])
	}
	if err := m.RateMessage(context.Background(), 0, models.FeedbackDown); !errors.Is(err, ErrFeedbackSubmitted) {
		t.Fatalf("re-rate = %v, want ErrFeedbackSubmitted", err)
	}
}

func TestFeedbackThumbsDownDefersForComment(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{startOut: &StartOutcome{Greeting: "hi"}}
	m := newTestMachine(t, store, eng, nil)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.SubmitComment(context.Background(), 0, "early"); !errors.Is(err, ErrNoPendingComment) {
		t.Fatalf("comment without rating = %v, want ErrNoPendingComment", err)
	}
	if err := m.RateMessage(context.Background(), 0, models.FeedbackDown); err != nil {
		t.Fatalf("RateMessage: %v", err)
	}
	if len(store.feedback) != 0 {
		t.Fatalf("thumbs down must not submit before the comment")
	}
	rating, pending, submitted := m.FeedbackState(0)
	if rating != models.FeedbackDown || !pending || submitted {
		t.Fatalf("state = %v pending=%v submitted=%v", rating, pending, submitted)
	}

	if err := m.SubmitComment(context.Background(), 0, "plan skipped the wiring check"); err != nil {
		t.Fatalf("SubmitComment: %v", err)
	}
	if len(store.feedback) != 1 || store.feedback[0].Comment != "plan skipped the wiring check" {
		t.Fatalf("comment not stored: %#v", store.feedback)
	}
	if err := m.SubmitComment(context.Background(), 0, "again"); !errors.Is(err, ErrFeedbackSubmitted) {
		t.Fatalf("second comment = %v, want ErrFeedbackSubmitted", err)
	}
}

func TestFeedbackValidation(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{
		startOut: &StartOutcome{Greeting: "hi"},
		exchOut:  &ExchangeOutcome{Reply: "ok"},
	}
	m := newTestMachine(t, store, eng, nil)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Send(context.Background(), "msg"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := m.RateMessage(context.Background(), 0, "sideways"); err == nil {
		t.Fatalf("invalid rating accepted")
	}
	// index 1 is the user turn
	if err := m.RateMessage(context.Background(), 1, models.FeedbackUp); !errors.Is(err, ErrNotAssistantTurn) {
		t.Fatalf("user turn rating = %v, want ErrNotAssistantTurn", err)
	}
	if err := m.RateMessage(context.Background(), 99, models.FeedbackUp); err == nil {
		t.Fatalf("out of range index accepted")
	}
}

func TestNewMachineResumesFromHistory(t *testing.T) {
	store := newMockStore()
	eng := &mockEngine{exchOut: &ExchangeOutcome{Reply: "welcome back"}}
	history := []*models.Message{
		{ID: 1, Role: models.MessageRoleAssistant, Content: "hi", Status: models.MessageDelivered},
		{ID: 2, Role: models.MessageRoleUser, Content: "hello", Status: models.MessageDelivered},
		{ID: 3, Role: models.MessageRoleAssistant, Content: "step one", Status: models.MessageDelivered},
	}
	prior := []models.Feedback{{MessageIndex: 0, Rating: models.FeedbackUp}}

	m, err := NewMachine(testSession(), testTruck(), testProject(), history, prior, Deps{Engine: eng, Store: store})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("resumed state = %s, want idle", m.State())
	}
	if len(m.Messages()) != 3 {
		t.Fatalf("history lost: %d messages", len(m.Messages()))
	}
	if err := m.RateMessage(context.Background(), 0, models.FeedbackDown); !errors.Is(err, ErrFeedbackSubmitted) {
		t.Fatalf("prior feedback not honored: %v", err)
	}
	if _, err := m.Send(context.Background(), "resuming"); err != nil {
		t.Fatalf("Send after resume: %v", err)
	}
}

// --- helpers ---

func testSession() *models.Session {
	return &models.Session{ID: 7, ProjectID: 3, UserID: 42, Captured: models.NewCapturedData()}
}

func testTruck() *models.Truck {
	return &models.Truck{ID: 5, VIN: "1XKAD49X0KJ211368", Year: 2019, Make: "Kenworth", Model: "T680", Mileage: 412000}
}

func testProject() *models.Project {
	return &models.Project{ID: 3, TruckID: 5, Title: "Derate", Complaint: "engine derate on grade", FaultCodes: []string{"SPN 3216 FMI 4"}}
}

func newTestMachine(t *testing.T, store *mockStore, eng *mockEngine, customize func(*Deps)) *Machine {
	t.Helper()
	deps := Deps{Engine: eng, Store: store}
	if customize != nil {
		customize(&deps)
	}
	m, err := NewMachine(testSession(), testTruck(), testProject(), nil, nil, deps)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

type mockEngine struct {
	startOut *StartOutcome
	startErr error
	exchOut  *ExchangeOutcome
	exchErr  error

	block   chan struct{}
	started chan struct{}
}

func (e *mockEngine) StartSession(ctx context.Context, truck *models.Truck, project *models.Project) (*StartOutcome, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	return e.startOut, nil
}

func (e *mockEngine) Exchange(ctx context.Context, session *models.Session, history []*models.Message, userContent string) (*ExchangeOutcome, error) {
	if e.started != nil {
		select {
		case e.started <- struct{}{}:
		default:
		}
	}
	if e.block != nil {
		<-e.block
	}
	if e.exchErr != nil {
		return nil, e.exchErr
	}
	return e.exchOut, nil
}

type mockStore struct {
	mu         sync.Mutex
	nextID     int64
	messages   []*models.Message
	statuses   map[int64]models.MessageStatus
	captured   models.CapturedData
	replaces   int
	plan       models.DiagnosticPlan
	externalID string
	feedback   []models.Feedback
}

func newMockStore() *mockStore {
	return &mockStore{statuses: make(map[int64]models.MessageStatus)}
}

func (s *mockStore) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	s.messages = append(s.messages, &msg)
	s.statuses[msg.ID] = msg.Status
	return &msg, nil
}

func (s *mockStore) UpdateMessageStatus(ctx context.Context, messageID int64, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[messageID] = status
	return nil
}

func (s *mockStore) ReplaceCapturedData(ctx context.Context, sessionID int64, captured models.CapturedData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = captured
	s.replaces++
	return nil
}

func (s *mockStore) replaceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaces
}

func (s *mockStore) SetSessionExternalID(ctx context.Context, sessionID int64, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externalID = externalID
	return nil
}

func (s *mockStore) UpdateSessionPlan(ctx context.Context, sessionID int64, plan models.DiagnosticPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = plan
	return nil
}

func (s *mockStore) SubmitFeedback(ctx context.Context, fb models.Feedback) (*models.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fb.ID = int64(len(s.feedback) + 1)
	s.feedback = append(s.feedback, fb)
	return &fb, nil
}

type mockTranscriber struct {
	text     string
	err      error
	gotAudio []byte
}

func (t *mockTranscriber) Transcribe(ctx context.Context, fileName string, audio []byte) (string, error) {
	t.gotAudio = audio
	if t.err != nil {
		return "", t.err
	}
	return t.text, nil
}

type mockSpeaker struct {
	audio    []byte
	err      error
	gotText  string
	gotVoice string

	block   chan struct{}
	started chan struct{}
}

func (s *mockSpeaker) Speak(ctx context.Context, text, voice string) ([]byte, error) {
	s.gotText = text
	s.gotVoice = voice
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.audio, nil
}

type mockAnalyzer struct {
	result string
	err    error

	block   chan struct{}
	started chan struct{}
}

func (a *mockAnalyzer) AnalyzeImage(ctx context.Context, prompt, mimeType string, image []byte) (string, error) {
	if a.started != nil {
		select {
		case a.started <- struct{}{}:
		default:
		}
	}
	if a.block != nil {
		<-a.block
	}
	if a.err != nil {
		return "", a.err
	}
	return a.result, nil
}

package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"fleetdiag/internal/config"
)

// Voices the speech backend accepts. Anything else is rejected before the
// request leaves the process.
var Voices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// DefaultVoice is used when the caller never picked one.
const DefaultVoice = "alloy"

// ErrInvalidVoice is returned for a voice outside the supported set.
var ErrInvalidVoice = errors.New("unsupported voice")

const defaultHTTPTimeout = 60 * time.Second

// Client talks to an OpenAI-compatible media backend for transcription,
// speech synthesis and image analysis.
type Client struct {
	baseURL         string
	apiKey          string
	speechModel     string
	transcribeModel string
	visionModel     string
	httpClient      *http.Client
}

// NewClient builds the media client from app config.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if cfg.Media.BaseURL == "" {
		return nil, errors.New("media base_url is required")
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.Media.BaseURL, "/"),
		apiKey:          cfg.Media.APIKey,
		speechModel:     cfg.Media.SpeechModel,
		transcribeModel: cfg.Media.TranscribeModel,
		visionModel:     cfg.Media.VisionModel,
		httpClient:      &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

// ValidVoice reports whether the voice is in the supported set.
func ValidVoice(voice string) bool {
	for _, v := range Voices {
		if v == voice {
			return true
		}
	}
	return false
}

// Transcribe sends recorded audio for speech-to-text and returns the text.
func (c *Client) Transcribe(ctx context.Context, fileName string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("audio payload is empty")
	}
	if fileName == "" {
		fileName = "recording.webm"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("multipart file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := writer.WriteField("model", c.transcribeModel); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription failed: %s", resp.Status)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return strings.TrimSpace(parsed.Text), nil
}

// Speak synthesizes the text in the given voice and returns audio bytes.
func (c *Client) Speak(ctx context.Context, text, voice string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("text is required")
	}
	if voice == "" {
		voice = DefaultVoice
	}
	if !ValidVoice(voice) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVoice, voice)
	}

	payload, err := json.Marshal(map[string]string{
		"model": c.speechModel,
		"input": text,
		"voice": voice,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("speech synthesis failed: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// AnalyzeImage sends an uploaded photo to the vision model with the user's
// prompt and returns the model's description.
func (c *Client) AnalyzeImage(ctx context.Context, prompt, mimeType string, image []byte) (string, error) {
	if len(image) == 0 {
		return "", errors.New("image payload is empty")
	}
	if prompt == "" {
		prompt = "Describe what this photo shows and anything relevant to diagnosing the truck."
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	payload, err := json.Marshal(map[string]interface{}{
		"model": c.visionModel,
		"messages": []map[string]interface{}{
			{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal vision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image analysis failed: %s", resp.Status)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode vision reply: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("vision reply has no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

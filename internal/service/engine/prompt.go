package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fleetdiag/internal/models"
)

// capturedMarker separates the conversational reply from the structured
// extraction block the model is instructed to append.
const capturedMarker = "===CAPTURED==="

const startSystemPrompt = `You are a senior heavy-duty diesel diagnostic assistant guiding a shop
technician through troubleshooting a truck. You will receive the vehicle
details, the customer complaint and the ECM fault codes.

Respond with a single JSON object and nothing else:
{"greeting": "<short opening message addressing the technician>",
 "plan": {"title": "<diagnostic plan title>", "steps": ["<step 1>", "<step 2>", ...]}}

The plan must be ordered, concrete and safe to perform in a shop bay.`

func formatStartRequest(truck *models.Truck, project *models.Project) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Vehicle: %d %s %s", truck.Year, truck.Make, truck.Model)
	if truck.EngineModel != "" {
		fmt.Fprintf(&b, " (engine %s)", truck.EngineModel)
	}
	fmt.Fprintf(&b, "\nVIN: %s\nMileage: %d\n", truck.VIN, truck.Mileage)
	fmt.Fprintf(&b, "Complaint: %s\n", project.Complaint)
	fmt.Fprintf(&b, "Fault codes: %s\n", strings.Join(project.FaultCodes, ", "))
	return b.String()
}

func formatExchangeSystemPrompt(session *models.Session) string {
	var b strings.Builder
	b.WriteString(`You are a senior heavy-duty diesel diagnostic assistant working one active
repair session. Keep answers practical and tied to the current plan step.
Use the web_search tool for service specs you are not sure about and the
attachment_reader tool to read documents the technician uploaded.

After your reply, on a new line, output the marker ` + capturedMarker + `
followed by a JSON object holding EVERYTHING captured so far in the session,
not just this turn:
{"readings": {"<label>": {"value": "<v>", "unit": "<u>"}},
 "parts": [{"part_number": "<pn>", "description": "<d>"}],
 "steps_completed": <n>}
Omit the marker and block entirely when nothing has been captured yet.`)
	if len(session.Plan.Steps) > 0 {
		b.WriteString("\n\nCurrent plan: ")
		b.WriteString(session.Plan.Title)
		for i, step := range session.Plan.Steps {
			fmt.Fprintf(&b, "\n%d. %s", i+1, step)
		}
	}
	return b.String()
}

type startReply struct {
	Greeting string                `json:"greeting"`
	Plan     models.DiagnosticPlan `json:"plan"`
}

func parseStartReply(reply string) (string, models.DiagnosticPlan, error) {
	trimmed := stripCodeFence(reply)
	var parsed startReply
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return "", models.DiagnosticPlan{}, fmt.Errorf("decode start reply: %w", err)
	}
	if parsed.Greeting == "" {
		return "", models.DiagnosticPlan{}, errors.New("start reply has no greeting")
	}
	return parsed.Greeting, parsed.Plan, nil
}

// parseCapturedReply splits an exchange reply into the conversational text
// and the captured-data snapshot. A missing or malformed block degrades to
// text only; the previous aggregate stays untouched in that case.
func parseCapturedReply(reply string) (string, models.CapturedData, bool) {
	idx := strings.Index(reply, capturedMarker)
	if idx < 0 {
		return strings.TrimSpace(reply), models.CapturedData{}, false
	}
	text := strings.TrimSpace(reply[:idx])
	block := stripCodeFence(reply[idx+len(capturedMarker):])

	captured := models.NewCapturedData()
	if err := json.Unmarshal([]byte(block), &captured); err != nil {
		return text, models.CapturedData{}, false
	}
	if captured.Readings == nil {
		captured.Readings = make(map[string]models.Reading)
	}
	if captured.Parts == nil {
		captured.Parts = make([]models.Part, 0)
	}
	return text, captured, true
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}

package engine

import (
	"strings"
	"testing"

	"fleetdiag/internal/models"
)

func TestParseStartReply(t *testing.T) {
	reply := `{"greeting": "Let's dig into that derate.",
	 "plan": {"title": "SPN 3216 diagnosis", "steps": ["Check NOx sensor connector", "Run forced regen"]}}`
	greeting, plan, err := parseStartReply(reply)
	if err != nil {
		t.Fatalf("parseStartReply: %v", err)
	}
	if greeting != "Let's dig into that derate." {
		t.Fatalf("greeting = %q", greeting)
	}
	if plan.Title != "SPN 3216 diagnosis" || len(plan.Steps) != 2 {
		t.Fatalf("plan = %#v", plan)
	}
}

func TestParseStartReplyFenced(t *testing.T) {
	reply := "```json\n{\"greeting\": \"hi\", \"plan\": {\"title\": \"t\", \"steps\": [\"s\"]}}\n```"
	greeting, plan, err := parseStartReply(reply)
	if err != nil {
		t.Fatalf("parseStartReply fenced: %v", err)
	}
	if greeting != "hi" || plan.Title != "t" {
		t.Fatalf("fenced parse: %q %#v", greeting, plan)
	}
}

func TestParseStartReplyErrors(t *testing.T) {
	if _, _, err := parseStartReply("I think you should check the wiring."); err == nil {
		t.Fatalf("prose reply must fail")
	}
	if _, _, err := parseStartReply(`{"plan": {"title": "t"}}`); err == nil {
		t.Fatalf("missing greeting must fail")
	}
}

func TestParseCapturedReply(t *testing.T) {
	reply := "Pressure looks low, move to step 2.\n" + capturedMarker + `
{"readings": {"oil_pressure": {"value": "18", "unit": "psi"}},
 "parts": [{"part_number": "1889595C91", "description": "oil pressure sensor"}],
 "steps_completed": 2}`

	text, captured, ok := parseCapturedReply(reply)
	if !ok {
		t.Fatalf("expected captured block")
	}
	if text != "Pressure looks low, move to step 2." {
		t.Fatalf("text = %q", text)
	}
	if captured.Readings["oil_pressure"].Value != "18" || captured.Readings["oil_pressure"].Unit != "psi" {
		t.Fatalf("readings = %#v", captured.Readings)
	}
	if len(captured.Parts) != 1 || captured.Parts[0].PartNumber != "1889595C91" {
		t.Fatalf("parts = %#v", captured.Parts)
	}
	if captured.StepsCompleted != 2 {
		t.Fatalf("steps completed = %d", captured.StepsCompleted)
	}
}

func TestParseCapturedReplyNoBlock(t *testing.T) {
	text, _, ok := parseCapturedReply("  Just a plain answer.  ")
	if ok {
		t.Fatalf("no marker must mean no capture")
	}
	if text != "Just a plain answer." {
		t.Fatalf("text = %q", text)
	}
}

func TestParseCapturedReplyMalformedBlockDegrades(t *testing.T) {
	reply := "Here is my answer.\n" + capturedMarker + "\n{not json at all"
	text, _, ok := parseCapturedReply(reply)
	if ok {
		t.Fatalf("malformed block must degrade to text only")
	}
	if text != "Here is my answer." {
		t.Fatalf("text = %q", text)
	}
}

func TestParseCapturedReplyEmptyContainers(t *testing.T) {
	reply := "ok\n" + capturedMarker + "\n{\"steps_completed\": 1}"
	_, captured, ok := parseCapturedReply(reply)
	if !ok {
		t.Fatalf("expected captured block")
	}
	if captured.Readings == nil || captured.Parts == nil {
		t.Fatalf("containers must be initialized: %#v", captured)
	}
}

func TestFormatStartRequest(t *testing.T) {
	truck := &models.Truck{Year: 2019, Make: "Kenworth", Model: "T680", EngineModel: "PACCAR MX-13", VIN: "VIN123", Mileage: 412000}
	project := &models.Project{Complaint: "derate on grade", FaultCodes: []string{"SPN 3216 FMI 4", "SPN 4094 FMI 18"}}

	out := formatStartRequest(truck, project)
	for _, want := range []string{
		"2019 Kenworth T680",
		"PACCAR MX-13",
		"VIN: VIN123",
		"Mileage: 412000",
		"Complaint: derate on grade",
		"SPN 3216 FMI 4, SPN 4094 FMI 18",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("start request missing %q:\n%s", want, out)
		}
	}
}

func TestFormatExchangeSystemPromptIncludesPlan(t *testing.T) {
	session := &models.Session{
		Plan: models.DiagnosticPlan{Title: "Derate plan", Steps: []string{"Scan codes", "Check sensor"}},
	}
	out := formatExchangeSystemPrompt(session)
	if !strings.Contains(out, capturedMarker) {
		t.Fatalf("prompt missing captured marker instructions")
	}
	if !strings.Contains(out, "Derate plan") || !strings.Contains(out, "2. Check sensor") {
		t.Fatalf("prompt missing plan steps:\n%s", out)
	}

	bare := formatExchangeSystemPrompt(&models.Session{})
	if strings.Contains(bare, "Current plan:") {
		t.Fatalf("empty plan must not be rendered")
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n{\"a\":1}\n```":     `{"a":1}`,
		"{\"a\":1}":               `{"a":1}`,
		"  {\"a\":1}  ":           `{"a":1}`,
	}
	for in, want := range cases {
		if got := stripCodeFence(in); got != want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}

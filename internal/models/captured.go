package models

// Reading is one measured value captured during diagnosis.
type Reading struct {
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// Part is a component identified during diagnosis. Duplicates are allowed;
// insertion order is preserved.
type Part struct {
	PartNumber  string `json:"part_number"`
	Description string `json:"description,omitempty"`
}

// CapturedData is the structured extraction accumulated over a session. The
// engine owns it: each successful exchange replaces the whole aggregate, never
// merges into it.
type CapturedData struct {
	Readings       map[string]Reading `json:"readings"`
	Parts          []Part             `json:"parts"`
	StepsCompleted int                `json:"steps_completed"`
}

// NewCapturedData returns an empty aggregate with initialized containers.
func NewCapturedData() CapturedData {
	return CapturedData{
		Readings: make(map[string]Reading),
		Parts:    make([]Part, 0),
	}
}

// Equal compares two snapshots field by field.
func (c CapturedData) Equal(other CapturedData) bool {
	if c.StepsCompleted != other.StepsCompleted {
		return false
	}
	if len(c.Readings) != len(other.Readings) || len(c.Parts) != len(other.Parts) {
		return false
	}
	for key, reading := range c.Readings {
		if other.Readings[key] != reading {
			return false
		}
	}
	for i, part := range c.Parts {
		if other.Parts[i] != part {
			return false
		}
	}
	return true
}

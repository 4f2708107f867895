package generation

import "strings"

// Phase is one of the user-facing generation phases.
type Phase string

const (
	PhaseConcept    Phase = "concept"
	PhaseWorld      Phase = "world"
	PhaseCharacters Phase = "characters"
	PhaseDraft      Phase = "draft"
	PhasePolish     Phase = "polish"
)

// phaseOrder is the positional fallback for stages reported only by index.
var phaseOrder = []Phase{PhaseConcept, PhaseWorld, PhaseCharacters, PhaseDraft, PhasePolish}

var phaseKeywords = []struct {
	phase    Phase
	keywords []string
}{
	{PhaseConcept, []string{"concept", "idea", "premise", "pitch", "outline", "plan"}},
	{PhaseWorld, []string{"world", "setting", "lore", "place"}},
	{PhaseCharacters, []string{"character", "cast", "persona", "role"}},
	{PhasePolish, []string{"polish", "edit", "refine", "review", "revise"}},
	{PhaseDraft, []string{"draft", "write", "writing", "canvas", "body", "story", "chapter"}},
}

var phaseText = map[Phase]string{
	PhaseConcept:    "Shaping the concept",
	PhaseWorld:      "Building the world",
	PhaseCharacters: "Casting the characters",
	PhaseDraft:      "Writing the draft",
	PhasePolish:     "Polishing",
}

// Description returns the human-readable status text for the phase.
func (p Phase) Description() string {
	return phaseText[p]
}

// StageInfo identifies a stage as reported by the transport. Either field may
// be missing: Index is -1 when unknown.
type StageInfo struct {
	Name  string `json:"name,omitempty"`
	Index int    `json:"index"`
}

// PhaseFor maps a transport stage to a phase. ok is false when neither the
// name nor the index identifies one.
func PhaseFor(info StageInfo) (Phase, bool) {
	name := strings.ToLower(strings.TrimSpace(info.Name))
	if name != "" {
		for _, pk := range phaseKeywords {
			for _, kw := range pk.keywords {
				if strings.Contains(name, kw) {
					return pk.phase, true
				}
			}
		}
	}
	if info.Index >= 0 && info.Index < len(phaseOrder) {
		return phaseOrder[info.Index], true
	}
	return "", false
}

// LabelFor returns the status text for a stage, or "" when it maps to no phase.
func LabelFor(info StageInfo) string {
	p, ok := PhaseFor(info)
	if !ok {
		return ""
	}
	return p.Description()
}

package queryplan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/acquisition/internal/platform/errs"
)

// Frequency is the reporting cadence a plan serves.
type Frequency string

const (
	FrequencyDaily     Frequency = "Daily"
	FrequencyWeekly    Frequency = "Weekly"
	FrequencyMonthly   Frequency = "Monthly"
	FrequencyDischarge Frequency = "Discharge"
	FrequencyAdhoc     Frequency = "Adhoc"
)

var validFrequencies = map[Frequency]bool{
	FrequencyDaily: true, FrequencyWeekly: true, FrequencyMonthly: true,
	FrequencyDischarge: true, FrequencyAdhoc: true,
}

// ParseFrequency matches case-insensitively.
func ParseFrequency(s string) (Frequency, bool) {
	for f := range validFrequencies {
		if strings.EqualFold(string(f), s) {
			return f, true
		}
	}
	return "", false
}

// Phase tags the part of an acquisition a query belongs to.
type Phase string

const (
	PhaseInitial      Phase = "Initial"
	PhaseSupplemental Phase = "Supplemental"
	PhaseReferential  Phase = "Referential"
	PhasePolling      Phase = "Polling"
	PhaseMonitoring   Phase = "Monitoring"
)

// ParsePhase matches case-insensitively.
func ParsePhase(s string) (Phase, bool) {
	for _, p := range []Phase{PhaseInitial, PhaseSupplemental, PhaseReferential, PhasePolling, PhaseMonitoring} {
		if strings.EqualFold(string(p), s) {
			return p, true
		}
	}
	return "", false
}

// QueryPlan is the ordered set of queries run for one facility and
// frequency.
type QueryPlan struct {
	ID                  string    `json:"id"`
	FacilityID          string    `json:"facilityId"`
	PlanName            string    `json:"planName"`
	EHRDescription      string    `json:"ehrDescription,omitempty"`
	LookBack            string    `json:"lookBack,omitempty"`
	Frequency           Frequency `json:"frequency"`
	InitialQueries      Steps     `json:"initialQueries"`
	SupplementalQueries Steps     `json:"supplementalQueries"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Validate checks the plan before it is stored or executed.
func (p *QueryPlan) Validate() error {
	var problems []string
	if p.FacilityID == "" {
		problems = append(problems, "facilityId is required")
	}
	if p.PlanName == "" {
		problems = append(problems, "planName is required")
	}
	if !validFrequencies[p.Frequency] {
		problems = append(problems, fmt.Sprintf("unsupported frequency %q", p.Frequency))
	}
	if _, err := ParseISODuration(p.lookBack()); err != nil {
		problems = append(problems, err.Error())
	}
	for _, part := range []struct {
		name  string
		steps Steps
	}{{"initialQueries", p.InitialQueries}, {"supplementalQueries", p.SupplementalQueries}} {
		if err := part.steps.Validate(); err != nil {
			problems = append(problems, part.name+": "+err.Error())
		}
	}
	if len(problems) > 0 {
		return errs.Configuration("validate query plan", "%s", strings.Join(problems, "; "))
	}
	return nil
}

func (p *QueryPlan) lookBack() string {
	if p.LookBack == "" {
		return "P0D"
	}
	return p.LookBack
}

// LookBackDuration parses the plan's look-back period.
func (p *QueryPlan) LookBackDuration() (ISODuration, error) {
	return ParseISODuration(p.lookBack())
}

// StepsFor returns the steps an acquisition of the given phase runs:
// initial acquisitions run the initial steps followed by the supplemental
// ones, supplemental acquisitions run only the supplemental steps.
func (p *QueryPlan) StepsFor(phase Phase) []PhasedStep {
	var out []PhasedStep
	if phase == PhaseInitial {
		for _, s := range p.InitialQueries {
			out = append(out, PhasedStep{Step: s, Phase: PhaseInitial})
		}
	}
	for _, s := range p.SupplementalQueries {
		out = append(out, PhasedStep{Step: s, Phase: PhaseSupplemental})
	}
	return out
}

// PhasedStep is a step with the plan section it came from.
type PhasedStep struct {
	Step
	Phase Phase
}

// Key identifies the step within a plan. It is stable across redeliveries.
func (s PhasedStep) Key() string {
	return strings.ToLower(string(s.Phase)) + ":" + s.Name
}

// Step is one named query in a plan.
type Step struct {
	Name   string
	Config QueryConfig
}

// Steps keeps plan order. It decodes from either a JSON array of
// {"name":..., "config":...} objects or a JSON object whose keys are step
// names, preserving key order. It always encodes as an array.
type Steps []Step

type stepJSON struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

func (s Steps) MarshalJSON() ([]byte, error) {
	out := make([]stepJSON, 0, len(s))
	for _, st := range s {
		raw, err := EncodeConfig(st.Config)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", st.Name, err)
		}
		out = append(out, stepJSON{Name: st.Name, Config: raw})
	}
	return json.Marshal(out)
}

func (s *Steps) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if data[0] == '[' {
		var items []stepJSON
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		steps := make(Steps, 0, len(items))
		for _, it := range items {
			cfg, err := DecodeConfig(it.Config)
			if err != nil {
				return fmt.Errorf("step %s: %w", it.Name, err)
			}
			steps = append(steps, Step{Name: it.Name, Config: cfg})
		}
		*s = steps
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return err
	}
	var steps Steps
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected step name, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("step %s: %w", name, err)
		}
		cfg, err := DecodeConfig(raw)
		if err != nil {
			return fmt.Errorf("step %s: %w", name, err)
		}
		steps = append(steps, Step{Name: name, Config: cfg})
	}
	*s = steps
	return nil
}

// Validate checks step names are unique and every config is well formed.
func (s Steps) Validate() error {
	seen := make(map[string]bool, len(s))
	var problems []string
	for i, st := range s {
		switch {
		case st.Name == "":
			problems = append(problems, fmt.Sprintf("step %d has no name", i))
		case seen[st.Name]:
			problems = append(problems, fmt.Sprintf("duplicate step %q", st.Name))
		}
		seen[st.Name] = true
		if st.Config == nil {
			problems = append(problems, fmt.Sprintf("step %q has no config", st.Name))
			continue
		}
		if err := st.Config.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("step %q: %v", st.Name, err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

package domain

import "time"

// TargetSpec describes one target workload of a lab manifest.
type TargetSpec struct {
	Name  string            `json:"name" yaml:"name"`
	Image string            `json:"image" yaml:"image"`
	Ports []int             `json:"ports,omitempty" yaml:"ports,omitempty"`
	Env   map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type Manifest struct {
	Targets     []TargetSpec `json:"targets" yaml:"targets"`
	EntryTarget string       `json:"entry_target" yaml:"entry_target"`
}

// OrderedTargets returns the targets with the entry target first, so that
// it receives the primary workload address.
func (m Manifest) OrderedTargets() []TargetSpec {
	out := make([]TargetSpec, 0, len(m.Targets))
	for _, t := range m.Targets {
		if t.Name == m.EntryTarget {
			out = append(out, t)
		}
	}
	for _, t := range m.Targets {
		if t.Name != m.EntryTarget {
			out = append(out, t)
		}
	}
	return out
}

type Template struct {
	ID                string    `json:"id"`
	ChallengeID       string    `json:"challenge_id"`
	Title             string    `json:"title"`
	DefaultTTLMinutes int       `json:"default_ttl_minutes"`
	MaxExtensions     int       `json:"max_extensions"`
	Manifest          Manifest  `json:"manifest"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Task is a gradable objective attached to a template.
type Task struct {
	ID           string `json:"id"`
	TemplateID   string `json:"template_id"`
	Slug         string `json:"slug"`
	Title        string `json:"title"`
	HasMachine   bool   `json:"has_machine"`
	QuestionType string `json:"question_type"`
	RequiresFlag bool   `json:"requires_flag"`
	Points       int    `json:"points"`
	Position     int    `json:"position"`
}

// Challenge is the curriculum-side description of an exercise.
type Challenge struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	TargetServiceName string `json:"target_service_name"`
	Points            int    `json:"points"`
}

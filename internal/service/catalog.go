package service

import (
	"context"
	"fmt"
	"os"
	"strings"

	"lab-sessions/internal/clock"
	"lab-sessions/internal/domain"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

type CatalogStore interface {
	TemplateRepository
	ChallengeSource
	PutChallenge(ctx context.Context, c domain.Challenge) error
}

// TemplateCatalog resolves challenge ids to lab templates, synthesizing a
// default template on first reference.
type TemplateCatalog struct {
	store         CatalogStore
	clock         clock.Clock
	ttlMinutes    int
	maxExtensions int
	logger        *log.Logger
}

func NewTemplateCatalog(store CatalogStore, clk clock.Clock, defaultTTLMinutes, maxExtensions int) *TemplateCatalog {
	if clk == nil {
		clk = clock.Real()
	}
	return &TemplateCatalog{
		store:         store,
		clock:         clk,
		ttlMinutes:    defaultTTLMinutes,
		maxExtensions: maxExtensions,
		logger:        log.WithPrefix("catalog"),
	}
}

// EnsureTemplate returns the active template for challengeID, creating a
// default one from the curriculum record if none exists yet.
func (c *TemplateCatalog) EnsureTemplate(ctx context.Context, challengeID string) (*domain.Template, error) {
	tpl, err := c.store.GetActiveTemplateByChallenge(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("load template for %s: %w", challengeID, err)
	}
	if tpl != nil {
		return tpl, nil
	}

	challenge, err := c.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("load challenge %s: %w", challengeID, err)
	}
	if challenge == nil {
		return nil, fmt.Errorf("challenge %s: %w", challengeID, domain.ErrChallengeNotFound)
	}

	target := challenge.TargetServiceName
	if target == "" {
		target = "target"
	}
	tpl = &domain.Template{
		ChallengeID:       challengeID,
		Title:             challenge.Title,
		DefaultTTLMinutes: c.ttlMinutes,
		MaxExtensions:     c.maxExtensions,
		Manifest: domain.Manifest{
			EntryTarget: target,
			Targets: []domain.TargetSpec{{
				Name:  target,
				Image: fmt.Sprintf("labs/%s:latest", slugify(target)),
			}},
		},
		Active: true,
	}
	if err := c.store.UpsertTemplate(ctx, tpl, c.clock.Now()); err != nil {
		return nil, fmt.Errorf("create default template for %s: %w", challengeID, err)
	}

	task := &domain.Task{
		TemplateID:   tpl.ID,
		Slug:         "flag",
		Title:        "Capture the flag: " + challenge.Title,
		HasMachine:   true,
		QuestionType: "flag",
		RequiresFlag: true,
		Points:       challenge.Points,
	}
	if err := c.store.UpsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create default task for %s: %w", challengeID, err)
	}

	c.logger.Info("Default template created", "challenge", challengeID, "template", tpl.ID, "target", target)
	return tpl, nil
}

func (c *TemplateCatalog) Tasks(ctx context.Context, templateID string) ([]domain.Task, error) {
	return c.store.ListTasks(ctx, templateID)
}

// TemplateSeed is one entry of the templates file.
type TemplateSeed struct {
	ChallengeID       string          `yaml:"challenge_id"`
	Title             string          `yaml:"title"`
	Description       string          `yaml:"description"`
	TargetServiceName string          `yaml:"target_service_name"`
	Points            int             `yaml:"points"`
	DefaultTTLMinutes int             `yaml:"default_ttl_minutes"`
	MaxExtensions     *int            `yaml:"max_extensions"`
	Manifest          domain.Manifest `yaml:"manifest"`
	Tasks             []TaskSeed      `yaml:"tasks"`
}

type TaskSeed struct {
	Slug         string `yaml:"slug"`
	Title        string `yaml:"title"`
	HasMachine   bool   `yaml:"has_machine"`
	QuestionType string `yaml:"question_type"`
	RequiresFlag bool   `yaml:"requires_flag"`
	Points       int    `yaml:"points"`
}

type seedFile struct {
	Templates []TemplateSeed `yaml:"templates"`
}

// LoadTemplateSeeds parses a YAML templates file.
func LoadTemplateSeeds(path string) ([]TemplateSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, s := range f.Templates {
		if s.ChallengeID == "" {
			return nil, fmt.Errorf("%s: template %d has no challenge_id", path, i)
		}
		if len(s.Manifest.Targets) == 0 {
			return nil, fmt.Errorf("%s: template %s has no targets", path, s.ChallengeID)
		}
	}
	return f.Templates, nil
}

// Seed upserts the curriculum record, template and tasks of every seed.
func (c *TemplateCatalog) Seed(ctx context.Context, seeds []TemplateSeed) error {
	for _, s := range seeds {
		if err := c.store.PutChallenge(ctx, domain.Challenge{
			ID:                s.ChallengeID,
			Title:             s.Title,
			Description:       s.Description,
			TargetServiceName: s.TargetServiceName,
			Points:            s.Points,
		}); err != nil {
			return fmt.Errorf("seed challenge %s: %w", s.ChallengeID, err)
		}

		tpl := &domain.Template{
			ChallengeID:       s.ChallengeID,
			Title:             s.Title,
			DefaultTTLMinutes: s.DefaultTTLMinutes,
			MaxExtensions:     c.maxExtensions,
			Manifest:          s.Manifest,
			Active:            true,
		}
		if tpl.DefaultTTLMinutes <= 0 {
			tpl.DefaultTTLMinutes = c.ttlMinutes
		}
		if s.MaxExtensions != nil {
			tpl.MaxExtensions = *s.MaxExtensions
		}
		if tpl.Manifest.EntryTarget == "" {
			tpl.Manifest.EntryTarget = tpl.Manifest.Targets[0].Name
		}
		if err := c.store.UpsertTemplate(ctx, tpl, c.clock.Now()); err != nil {
			return fmt.Errorf("seed template %s: %w", s.ChallengeID, err)
		}

		for i, ts := range s.Tasks {
			task := &domain.Task{
				TemplateID:   tpl.ID,
				Slug:         ts.Slug,
				Title:        ts.Title,
				HasMachine:   ts.HasMachine,
				QuestionType: ts.QuestionType,
				RequiresFlag: ts.RequiresFlag,
				Points:       ts.Points,
				Position:     i,
			}
			if task.Slug == "" {
				task.Slug = fmt.Sprintf("task-%d", i+1)
			}
			if err := c.store.UpsertTask(ctx, task); err != nil {
				return fmt.Errorf("seed task %s/%s: %w", s.ChallengeID, task.Slug, err)
			}
		}
		c.logger.Debug("Template seeded", "challenge", s.ChallengeID, "tasks", len(s.Tasks))
	}
	return nil
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, s)
}

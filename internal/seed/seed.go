// Package seed applies a declarative YAML bootstrap of projects, users,
// on-call schedules and escalation policies. Existing records are left
// untouched, so the same file is safe to apply on every startup.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/d9705996/escalator/internal/auth"
	"github.com/d9705996/escalator/internal/escalatable"
	"github.com/d9705996/escalator/internal/escalation"
	"github.com/d9705996/escalator/internal/model"
	"github.com/d9705996/escalator/internal/oncall"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// File is the root of a seed document.
type File struct {
	Projects  []Project  `yaml:"projects"`
	Users     []User     `yaml:"users"`
	Schedules []Schedule `yaml:"schedules"`
	Policies  []Policy   `yaml:"policies"`
}

type Project struct {
	Slug string `yaml:"slug"`
	Name string `yaml:"name"`
}

type User struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
}

type Schedule struct {
	Project     string     `yaml:"project"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Timezone    string     `yaml:"timezone"`
	Rotations   []Rotation `yaml:"rotations"`
}

type Rotation struct {
	Name         string        `yaml:"name"`
	StartsAt     time.Time     `yaml:"starts_at"`
	EndsAt       *time.Time    `yaml:"ends_at"`
	Length       int           `yaml:"length"`
	LengthUnit   string        `yaml:"length_unit"`
	ActivePeriod *ActivePeriod `yaml:"active_period"`
	// Participants are user emails in rotation order.
	Participants []string `yaml:"participants"`
}

type ActivePeriod struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type Policy struct {
	Project     string `yaml:"project"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Rules       []Rule `yaml:"rules"`
}

type Rule struct {
	// Schedule is the schedule name within the policy's project.
	Schedule           string `yaml:"schedule"`
	Status             string `yaml:"status"`
	ElapsedTimeSeconds int    `yaml:"elapsed_time_seconds"`
}

// Load reads a seed file. Unknown keys are rejected.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a seed document from r.
func Decode(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &file, nil
}

// seedActor performs every seeded mutation.
var seedActor = auth.Actor{UserID: "seed", Roles: []string{"Admin"}}

// Seeder applies seed files through the domain services so seeded records
// pass the same validation as any other.
type Seeder struct {
	db       *gorm.DB
	oncall   *oncall.Service
	policies *escalation.Service
	log      *slog.Logger
}

// New returns a Seeder.
func New(db *gorm.DB, oncallSvc *oncall.Service, policies *escalation.Service, log *slog.Logger) *Seeder {
	return &Seeder{db: db, oncall: oncallSvc, policies: policies, log: log}
}

// Apply creates whatever in file does not exist yet.
func (s *Seeder) Apply(ctx context.Context, file *File) error {
	projects := map[string]string{}
	for _, p := range file.Projects {
		id, err := s.ensureProject(ctx, p)
		if err != nil {
			return err
		}
		projects[p.Slug] = id
	}
	projectID := func(slug string) (string, error) {
		if id, ok := projects[slug]; ok {
			return id, nil
		}
		var p model.Project
		if err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&p).Error; err != nil {
			return "", fmt.Errorf("seed project %q: %w", slug, err)
		}
		projects[slug] = p.ID
		return p.ID, nil
	}

	for _, u := range file.Users {
		if err := s.ensureUser(ctx, u); err != nil {
			return err
		}
	}
	for _, sch := range file.Schedules {
		pid, err := projectID(sch.Project)
		if err != nil {
			return err
		}
		if err := s.ensureSchedule(ctx, pid, sch); err != nil {
			return fmt.Errorf("seed schedule %q: %w", sch.Name, err)
		}
	}
	for _, pol := range file.Policies {
		pid, err := projectID(pol.Project)
		if err != nil {
			return err
		}
		if err := s.ensurePolicy(ctx, pid, pol); err != nil {
			return fmt.Errorf("seed policy %q: %w", pol.Name, err)
		}
	}
	return nil
}

func (s *Seeder) ensureProject(ctx context.Context, p Project) (string, error) {
	if p.Slug == "" {
		return "", errors.New("seed project: slug is required")
	}
	name := p.Name
	if name == "" {
		name = p.Slug
	}
	project := model.Project{Slug: p.Slug, Name: name}
	res := s.db.WithContext(ctx).Where(model.Project{Slug: p.Slug}).FirstOrCreate(&project)
	if res.Error != nil {
		return "", fmt.Errorf("seed project %q: %w", p.Slug, res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Info("seeded project", "slug", p.Slug)
	}
	return project.ID, nil
}

func (s *Seeder) ensureUser(ctx context.Context, u User) error {
	if u.Email == "" {
		return errors.New("seed user: email is required")
	}
	user := model.User{Email: u.Email, Name: u.Name}
	res := s.db.WithContext(ctx).Where(model.User{Email: u.Email}).FirstOrCreate(&user)
	if res.Error != nil {
		return fmt.Errorf("seed user %q: %w", u.Email, res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Info("seeded user", "email", u.Email)
	}
	return nil
}

func (s *Seeder) userIDs(ctx context.Context, emails []string) ([]oncall.ParticipantParams, error) {
	out := make([]oncall.ParticipantParams, 0, len(emails))
	for _, email := range emails {
		var u model.User
		if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
			return nil, fmt.Errorf("participant %q: %w", email, err)
		}
		out = append(out, oncall.ParticipantParams{UserID: u.ID})
	}
	return out, nil
}

func (s *Seeder) ensureSchedule(ctx context.Context, projectID string, sch Schedule) error {
	var schedule model.OncallSchedule
	err := s.db.WithContext(ctx).Where("project_id = ? AND name = ?", projectID, sch.Name).First(&schedule).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		created, err := s.oncall.CreateSchedule(ctx, seedActor, projectID, oncall.ScheduleParams{
			Name: sch.Name, Description: sch.Description, Timezone: sch.Timezone,
		})
		if err != nil {
			return err
		}
		schedule = *created
		s.log.Info("seeded oncall schedule", "project_id", projectID, "name", sch.Name)
	case err != nil:
		return err
	}

	for _, r := range sch.Rotations {
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.OncallRotation{}).
			Where("schedule_id = ? AND name = ?", schedule.ID, r.Name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		participants, err := s.userIDs(ctx, r.Participants)
		if err != nil {
			return fmt.Errorf("rotation %q: %w", r.Name, err)
		}
		params := oncall.RotationParams{
			Name:         r.Name,
			StartsAt:     r.StartsAt,
			EndsAt:       r.EndsAt,
			Length:       r.Length,
			LengthUnit:   model.LengthUnit(r.LengthUnit),
			Participants: participants,
		}
		if r.ActivePeriod != nil {
			params.ActivePeriodStart, params.ActivePeriodEnd = r.ActivePeriod.Start, r.ActivePeriod.End
		}
		if _, err := s.oncall.CreateRotation(ctx, seedActor, schedule.ID, params); err != nil {
			return fmt.Errorf("rotation %q: %w", r.Name, err)
		}
		s.log.Info("seeded oncall rotation", "schedule_id", schedule.ID, "name", r.Name)
	}
	return nil
}

func (s *Seeder) ensurePolicy(ctx context.Context, projectID string, pol Policy) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.EscalationPolicy{}).
		Where("project_id = ? AND name = ?", projectID, pol.Name).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	rules := make([]escalation.RuleParams, 0, len(pol.Rules))
	for _, r := range pol.Rules {
		status, err := escalatable.ParseStatus(r.Status)
		if err != nil {
			return err
		}
		var schedule model.OncallSchedule
		if err := s.db.WithContext(ctx).Where("project_id = ? AND name = ?", projectID, r.Schedule).First(&schedule).Error; err != nil {
			return fmt.Errorf("rule schedule %q: %w", r.Schedule, err)
		}
		rules = append(rules, escalation.RuleParams{
			ScheduleID:         schedule.ID,
			Status:             status,
			ElapsedTimeSeconds: r.ElapsedTimeSeconds,
		})
	}
	if _, err := s.policies.Create(ctx, seedActor, projectID, escalation.PolicyParams{
		Name: pol.Name, Description: pol.Description, Rules: rules,
	}); err != nil {
		return err
	}
	s.log.Info("seeded escalation policy", "project_id", projectID, "name", pol.Name)
	return nil
}

// Package models defines the entities shared by the stores, the change
// channel, and the persistence layer: tasks, projects, teams, comments,
// and the notifications derived from them.
//
// Every entity carries an opaque stable ID and a Revision, a monotonic
// marker derived from the last confirmed update time. Records created
// locally carry a temporary ID until the create request resolves.
package models

import (
	"fmt"
	"time"
)

// Kind identifies an entity kind on the wire and in store routing.
type Kind string

const (
	KindTask         Kind = "task"
	KindProject      Kind = "project"
	KindTeam         Kind = "team"
	KindComment      Kind = "comment"
	KindNotification Kind = "notification"
)

// ParseKind validates a wire-level kind string.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindTask, KindProject, KindTeam, KindComment, KindNotification:
		return k, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
}

// Record is implemented by every entity the stores manage.
type Record interface {
	GetID() string
	SetID(id string)
	GetKind() Kind
	GetRevision() Revision
	SetRevision(rev Revision)
}

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
)

// TaskPriority orders tasks for triage.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Task is a unit of work inside a project.
type Task struct {
	ID          string       `json:"id" cbor:"id"`
	Revision    Revision     `json:"revision" cbor:"revision"`
	Title       string       `json:"title" cbor:"title"`
	Description string       `json:"description,omitempty" cbor:"description,omitempty"`
	Status      TaskStatus   `json:"status" cbor:"status"`
	Priority    TaskPriority `json:"priority" cbor:"priority"`
	ProjectID   string       `json:"project_id,omitempty" cbor:"project_id,omitempty"`
	AssigneeID  string       `json:"assignee_id,omitempty" cbor:"assignee_id,omitempty"`
	DueDate     *time.Time   `json:"due_date,omitempty" cbor:"due_date,omitempty"`
	CreatedAt   time.Time    `json:"created_at,omitempty" cbor:"created_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at,omitempty" cbor:"updated_at,omitempty"`
}

func (t *Task) GetID() string             { return t.ID }
func (t *Task) SetID(id string)           { t.ID = id }
func (t *Task) GetKind() Kind             { return KindTask }
func (t *Task) GetRevision() Revision     { return t.Revision }
func (t *Task) SetRevision(rev Revision)  { t.Revision = rev }

// Project groups tasks and belongs to a team.
type Project struct {
	ID          string    `json:"id" cbor:"id"`
	Revision    Revision  `json:"revision" cbor:"revision"`
	Name        string    `json:"name" cbor:"name"`
	Description string    `json:"description,omitempty" cbor:"description,omitempty"`
	TeamID      string    `json:"team_id,omitempty" cbor:"team_id,omitempty"`
	Color       string    `json:"color,omitempty" cbor:"color,omitempty"`
	Archived    bool      `json:"archived,omitempty" cbor:"archived,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty" cbor:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" cbor:"updated_at,omitempty"`
}

func (p *Project) GetID() string            { return p.ID }
func (p *Project) SetID(id string)          { p.ID = id }
func (p *Project) GetKind() Kind            { return KindProject }
func (p *Project) GetRevision() Revision    { return p.Revision }
func (p *Project) SetRevision(rev Revision) { p.Revision = rev }

// Team is a set of users collaborating on projects.
type Team struct {
	ID          string    `json:"id" cbor:"id"`
	Revision    Revision  `json:"revision" cbor:"revision"`
	Name        string    `json:"name" cbor:"name"`
	Description string    `json:"description,omitempty" cbor:"description,omitempty"`
	MemberIDs   []string  `json:"member_ids,omitempty" cbor:"member_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty" cbor:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" cbor:"updated_at,omitempty"`
}

func (t *Team) GetID() string            { return t.ID }
func (t *Team) SetID(id string)          { t.ID = id }
func (t *Team) GetKind() Kind            { return KindTeam }
func (t *Team) GetRevision() Revision    { return t.Revision }
func (t *Team) SetRevision(rev Revision) { t.Revision = rev }

// Comment is attached to a task.
type Comment struct {
	ID        string    `json:"id" cbor:"id"`
	Revision  Revision  `json:"revision" cbor:"revision"`
	TaskID    string    `json:"task_id" cbor:"task_id"`
	AuthorID  string    `json:"author_id" cbor:"author_id"`
	Body      string    `json:"body" cbor:"body"`
	CreatedAt time.Time `json:"created_at,omitempty" cbor:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" cbor:"updated_at,omitempty"`
}

func (c *Comment) GetID() string            { return c.ID }
func (c *Comment) SetID(id string)          { c.ID = id }
func (c *Comment) GetKind() Kind            { return KindComment }
func (c *Comment) GetRevision() Revision    { return c.Revision }
func (c *Comment) SetRevision(rev Revision) { c.Revision = rev }

// Notification is a user-facing record synthesized from a committed
// remote change. Read state is managed optimistically by the aggregator.
type Notification struct {
	ID        string    `json:"id" cbor:"id"`
	Actor     string    `json:"actor" cbor:"actor"`
	Verb      string    `json:"verb" cbor:"verb"`
	Kind      Kind      `json:"entity_kind" cbor:"entity_kind"`
	EntityID  string    `json:"entity_id" cbor:"entity_id"`
	Title     string    `json:"title,omitempty" cbor:"title,omitempty"`
	Read      bool      `json:"read" cbor:"read"`
	CreatedAt time.Time `json:"created_at" cbor:"created_at"`
}

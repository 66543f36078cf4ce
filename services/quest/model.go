package quest

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// Quest moves active -> completed -> archived, never backwards.
// A zero CompletionCap means no cap; a zero AutoArchiveAfter means the quest
// is never archived by the sweep.
type Quest struct {
	ID               string        `gorm:"column:id;primaryKey;size:32" json:"id"`
	Slug             string        `gorm:"column:slug;size:160;uniqueIndex" json:"slug"`
	Title            string        `gorm:"column:title;not null" json:"title"`
	Description      string        `gorm:"column:description" json:"description"`
	ImpactPoints     int64         `gorm:"column:impact_points;not null" json:"impact_points"`
	CreatorAddress   string        `gorm:"column:creator_address;size:42;index" json:"creator_address,omitempty"`
	Completions      int64         `gorm:"column:completions;not null;default:0" json:"completions"`
	CompletionCap    int64         `gorm:"column:completion_cap;not null;default:0" json:"completion_cap"`
	CompletionRule   string        `gorm:"column:completion_rule" json:"completion_rule,omitempty"`
	AutoArchiveAfter time.Duration `gorm:"column:auto_archive_after;not null;default:0" json:"auto_archive_after"`
	Status           Status        `gorm:"column:status;size:16;index;not null" json:"status"`
	CompletedAt      *time.Time    `gorm:"column:completed_at" json:"completed_at,omitempty"`
	ArchiveDueAt     *time.Time    `gorm:"column:archive_due_at;index" json:"archive_due_at,omitempty"`
	ArchivedAt       *time.Time    `gorm:"column:archived_at" json:"archived_at,omitempty"`
	CreatedAt        time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (Quest) TableName() string { return "quests" }

func (q *Quest) capReached() bool {
	return q.CompletionCap > 0 && q.Completions >= q.CompletionCap
}

// archiveDue reports whether the sweep may archive q at now.
func (q *Quest) archiveDue(now time.Time) bool {
	if q.Status != StatusCompleted || q.ArchiveDueAt == nil {
		return false
	}
	return !now.Before(*q.ArchiveDueAt)
}

// dueAt is when a quest closed at completedAt becomes archivable, or nil
// when it never is.
func (q *Quest) dueAt(completedAt time.Time) *time.Time {
	if q.AutoArchiveAfter <= 0 {
		return nil
	}
	at := completedAt.Add(q.AutoArchiveAfter)
	return &at
}

type SubmissionStatus string

const (
	SubmissionVerified SubmissionStatus = "verified"
	SubmissionRejected SubmissionStatus = "rejected"
)

// Submission is one delivery of a quest proof. ID is assigned upstream and
// deduplicates redelivery. RewardKey is set only on verified submissions and
// is unique per (address, quest).
type Submission struct {
	ID            string           `gorm:"column:id;primaryKey;size:64" json:"id"`
	QuestID       string           `gorm:"column:quest_id;size:32;index;not null" json:"quest_id"`
	Address       string           `gorm:"column:address;size:42;index;not null" json:"address"`
	Status        SubmissionStatus `gorm:"column:status;size:16;not null" json:"status"`
	RewardKey     *string          `gorm:"column:reward_key;size:80;uniqueIndex" json:"-"`
	PointsAwarded int64            `gorm:"column:points_awarded;not null;default:0" json:"points_awarded"`
	TokensAwarded int64            `gorm:"column:tokens_awarded;not null;default:0" json:"tokens_awarded"`
	CreatedAt     time.Time        `gorm:"column:created_at" json:"created_at"`
}

func (Submission) TableName() string { return "quest_submissions" }

func RewardKey(address, questID string) *string {
	key := address + ":" + questID
	return &key
}

// Archive is the immutable snapshot written when a quest is archived.
type Archive struct {
	ID          string         `gorm:"column:id;primaryKey;size:32" json:"id"`
	QuestID     string         `gorm:"column:quest_id;size:32;uniqueIndex;not null" json:"quest_id"`
	Completions int64          `gorm:"column:completions;not null" json:"completions"`
	Submissions int64          `gorm:"column:submissions;not null" json:"submissions"`
	Snapshot    datatypes.JSON `gorm:"column:snapshot" json:"snapshot"`
	ObjectKey   string         `gorm:"column:object_key" json:"object_key,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (Archive) TableName() string { return "quest_archives" }

type archiveSnapshot struct {
	Quest       Quest         `json:"quest"`
	Submissions []*Submission `json:"submissions"`
	ArchivedAt  time.Time     `json:"archived_at"`
}

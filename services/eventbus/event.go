package eventbus

import (
	"context"
	"time"
)

type Topic string

const (
	QuestCreated        Topic = "quest:created"
	QuestUpdated        Topic = "quest:updated"
	QuestCompleted      Topic = "quest:completed"
	QuestArchived       Topic = "quest:archived"
	UserUpdated         Topic = "user:updated"
	SubmissionCreated   Topic = "submission:created"
	SubmissionVerified  Topic = "submission:verified"
	RedemptionCreated   Topic = "redemption:created"
	RedemptionCompleted Topic = "redemption:completed"
	RedemptionCancelled Topic = "redemption:cancelled"
	CreatorRewarded     Topic = "creator:rewarded"
)

var AllTopics = []Topic{
	QuestCreated, QuestUpdated, QuestCompleted, QuestArchived,
	UserUpdated,
	SubmissionCreated, SubmissionVerified,
	RedemptionCreated, RedemptionCompleted, RedemptionCancelled,
	CreatorRewarded,
}

func (t Topic) Valid() bool {
	for _, known := range AllTopics {
		if t == known {
			return true
		}
	}
	return false
}

// Event is the frame delivered to subscribers. Address scopes the event to
// one wallet; quest-wide events leave it empty.
type Event struct {
	ID        string    `json:"id"`
	Topic     Topic     `json:"topic"`
	Address   string    `json:"address,omitempty"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin,omitempty"`
}

// Publisher is what the services depend on. Publishing never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, ev Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Topic, Event) {}

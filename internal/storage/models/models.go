package models

import "time"

type FeedbackSource string

const (
	SourceExplicit FeedbackSource = "explicit"
	SourceImplicit FeedbackSource = "implicit"
	SourceSelf     FeedbackSource = "self"
)

type FeedbackType string

const (
	TypeHelpful    FeedbackType = "helpful"
	TypeNotHelpful FeedbackType = "not_helpful"
	TypeOutdated   FeedbackType = "outdated"
	TypeInaccurate FeedbackType = "inaccurate"
)

type DetailsKind string

const (
	DetailsRating         DetailsKind = "rating"
	DetailsSentiment      DetailsKind = "sentiment"
	DetailsSnippetCopy    DetailsKind = "snippet_copy"
	DetailsSelfAssessment DetailsKind = "self_assessment"
)

// DefaultConcept is the interest concept used when feedback carries no topic.
const DefaultConcept = "General"

type Sentiment string

const (
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNegative Sentiment = "NEGATIVE"
	SentimentNeutral  Sentiment = "NEUTRAL"
)

type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content"`
}

type DecayStatus string

const (
	DecayFresh    DecayStatus = "fresh"
	DecayDecaying DecayStatus = "decaying"
	DecayExpired  DecayStatus = "expired"
)

type KnowledgeItem struct {
	ID            string
	Filename      string
	Content       string
	Department    string
	Category      string
	DIKWLevel     string
	Topics        []string
	FeedbackScore float64
	FeedbackCount int
	PositiveRatio float64
	DecayType     string
	DecayScore    float64
	DecayStatus   DecayStatus
	ValidUntil    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FeedbackDetails is the closed payload attached to a feedback event. Kind
// says which of the optional fields are meaningful.
type FeedbackDetails struct {
	Kind      DetailsKind `json:"kind,omitempty" validate:"omitempty,oneof=rating sentiment snippet_copy self_assessment"`
	Topic     string      `json:"topic,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Comment   string      `json:"comment,omitempty"`
}

// Concept returns the interest concept this feedback speaks to.
func (d *FeedbackDetails) Concept() string {
	if d == nil || d.Topic == "" {
		return DefaultConcept
	}
	return d.Topic
}

type FeedbackEvent struct {
	ID        string
	ItemID    string         `validate:"required"`
	Source    FeedbackSource `validate:"required,oneof=explicit implicit self"`
	Type      FeedbackType   `validate:"required,oneof=helpful not_helpful outdated inaccurate"`
	Score     float64        `validate:"gte=-1,lte=1"`
	ActorID   string
	Details   *FeedbackDetails
	CreatedAt time.Time
}

// FeedbackStats are the derived relevance fields written back to an item.
type FeedbackStats struct {
	Count           int
	Sum             float64
	Average         float64
	NormalizedScore float64
	PositiveRatio   float64
}

type UserInterest struct {
	UserID    string
	Concept   string
	Score     float64
	Source    string
	UpdatedAt time.Time
}

type KnowledgeUnit struct {
	ID                string
	ConceptName       string
	Body              string
	SourceCount       int
	CompletenessScore float64
	CreatedAt         time.Time
}

type KnowledgeUnitSource struct {
	UnitID           string
	ItemID           string
	ContributionNote string
}

// DecayCandidate is the slice of an item the decay refresher needs.
type DecayCandidate struct {
	ID         string
	DecayType  string
	UpdatedAt  time.Time
	ValidUntil *time.Time
}

type DecayUpdate struct {
	ItemID string
	Score  float64
	Status DecayStatus
}

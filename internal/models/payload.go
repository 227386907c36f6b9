package models

import (
	"encoding/json"
	"fmt"
)

// EntityPayload is the tagged union of domain record bodies. Each concrete
// payload declares its kind; the store and the sync engine dispatch on it
// through exhaustive switches rather than string-keyed branching.
type EntityPayload interface {
	PayloadKind() EntityKind
}

// ConversationPayload is the body of a practice conversation.
type ConversationPayload struct {
	Title     string `json:"title"`
	Topic     string `json:"topic,omitempty"`
	Language  string `json:"language"`
	StartedAt int64  `json:"started_at"`
	Archived  bool   `json:"archived,omitempty"`
}

func (ConversationPayload) PayloadKind() EntityKind { return KindConversation }

// MessagePayload is the body of a single turn within a conversation.
// ConversationLocalID references the parent by local identifier so the
// reference survives remote-id remapping; SequenceIndex orders turns and is
// unique within the parent.
type MessagePayload struct {
	ConversationLocalID string `json:"conversation_local_id"`
	SequenceIndex       int    `json:"sequence_index"`
	Role                string `json:"role"`
	Text                string `json:"text"`
	AudioKey            string `json:"audio_key,omitempty"`
}

func (MessagePayload) PayloadKind() EntityKind { return KindMessage }

// PreferencesPayload is the per-user settings record.
type PreferencesPayload struct {
	TargetLanguage   string `json:"target_language"`
	DailyGoalMinutes int    `json:"daily_goal_minutes"`
	ReminderHour     int    `json:"reminder_hour"`
	AutoPlayAudio    bool   `json:"auto_play_audio"`
}

func (PreferencesPayload) PayloadKind() EntityKind { return KindPreferences }

// ProgressPayload is a per-day practice record.
type ProgressPayload struct {
	Date             string `json:"date"` // YYYY-MM-DD
	PracticedSeconds int    `json:"practiced_seconds"`
	WordsLearned     int    `json:"words_learned"`
	StreakDays       int    `json:"streak_days"`
}

func (ProgressPayload) PayloadKind() EntityKind { return KindProgress }

// MarshalPayload encodes a payload to its JSON body.
func MarshalPayload(p EntityPayload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	return json.Marshal(p)
}

// UnmarshalPayload decodes a JSON body into the concrete payload for kind.
func UnmarshalPayload(kind EntityKind, data []byte) (EntityPayload, error) {
	switch kind {
	case KindConversation:
		var p ConversationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode conversation payload: %w", err)
		}
		return p, nil
	case KindMessage:
		var p MessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		return p, nil
	case KindPreferences:
		var p PreferencesPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode preferences payload: %w", err)
		}
		return p, nil
	case KindProgress:
		var p ProgressPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode progress payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown entity kind: %q", kind)
	}
}

// SearchText returns the free-text searchable fields of an entity, split
// into title and body. Kinds with no searchable text return empty strings
// and are excluded from the search index.
func SearchText(e *Entity) (title, body string) {
	switch p := e.Payload.(type) {
	case ConversationPayload:
		return p.Title, p.Topic
	case MessagePayload:
		return "", p.Text
	case PreferencesPayload, ProgressPayload:
		return "", ""
	default:
		return "", ""
	}
}

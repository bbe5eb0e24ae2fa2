package story

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusGeneratingStory Status = "generating_story"
	StatusGenerated       Status = "generated"
	StatusGeneratingAudio Status = "generating_audio"
	StatusReady           Status = "ready"
	StatusError           Status = "error"
)

// Resumable reports whether a job may still move the story forward.
func (s Status) Resumable() bool {
	switch s {
	case StatusPending, StatusGeneratingStory, StatusGeneratingAudio, StatusGenerated, "":
		return true
	}
	return false
}

type Story struct {
	ID              string         `gorm:"primaryKey;size:26" json:"id"` // ULID length
	UserID          string         `gorm:"type:varchar(64);not null;index:idx_story_user_created,priority:1" json:"-"`
	Title           string         `gorm:"type:varchar(255);not null" json:"title"`
	Inputs          datatypes.JSON `gorm:"not null" json:"inputs"`
	StoryText       string         `gorm:"type:text;not null" json:"story_text"`
	Status          Status         `gorm:"type:varchar(32);index;not null" json:"status"`
	GenerationError *string        `gorm:"type:text" json:"generation_error"`
	GeneratedAt     *time.Time     `json:"generated_at"`
	CreatedAt       time.Time      `gorm:"index:idx_story_user_created,priority:2" json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (Story) TableName() string { return "stories" }

// Selection is one picked option of the story form. JSON keys follow the
// client payload.
type Selection struct {
	OptionID   string `json:"optionId,omitempty"`
	OptionName string `json:"optionName,omitempty"`
	CustomName string `json:"customName,omitempty"`
	FreeText   string `json:"freeText,omitempty"`
	Icon       string `json:"icon,omitempty"`
	Image      string `json:"image,omitempty"`
}

// Inputs maps a form field (hero, sidekick, narrator...) to its selection.
type Inputs map[string]Selection

var ErrInvalidInputs = errors.New("invalid or empty inputs")

// ParseInputs decodes a stored inputs document. Anything other than a JSON
// object of selections is rejected.
func ParseInputs(raw []byte) (Inputs, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, ErrInvalidInputs
	}
	var fields map[string]*Selection
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return nil, ErrInvalidInputs
	}
	in := make(Inputs, len(fields))
	for k, v := range fields {
		if v != nil {
			in[k] = *v
		}
	}
	return in, nil
}

func (in Inputs) JSON() (datatypes.JSON, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// NarratorVoiceID returns the selected narrator voice, or "" when no
// narration was requested.
func (in Inputs) NarratorVoiceID() string {
	return strings.TrimSpace(in["narrator"].OptionID)
}

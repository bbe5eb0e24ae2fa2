package audio

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Audio is one narration attempt for a story. A story may accumulate
// several rows; see Current for which one is shown.
type Audio struct {
	ID      string  `gorm:"primaryKey;size:26" json:"id"` // ULID length
	StoryID string  `gorm:"size:26;not null;index:idx_audio_story_created,priority:1" json:"story_id"`
	UserID  string  `gorm:"type:varchar(64);not null;index" json:"-"`
	VoiceID *string `gorm:"type:varchar(128)" json:"voice_id"`
	Status  Status  `gorm:"type:varchar(16);not null;index" json:"status"`

	// Set once the provider accepted the synthesis task.
	ExternalTaskID *string `gorm:"type:varchar(128)" json:"-"`

	// Filled when ready
	StoragePath *string    `gorm:"type:varchar(512)" json:"storage_path"`
	AudioURL    *string    `gorm:"type:text" json:"audio_url"`
	GeneratedAt *time.Time `json:"generated_at"`

	// Filled when error
	GenerationError *string `gorm:"type:text" json:"generation_error"`

	CreatedAt time.Time `gorm:"index:idx_audio_story_created,priority:2" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Audio) TableName() string { return "audios" }

// Delivered reports whether the row carries a playable file.
func (a *Audio) Delivered() bool {
	return a.Status == StatusReady && a.AudioURL != nil && *a.AudioURL != ""
}

func priority(a *Audio) int {
	switch {
	case a.Delivered():
		return 0
	case a.Status == StatusPending:
		return 1
	case a.Status == StatusError:
		return 2
	}
	return 3
}

// Current picks the row to display: delivered first, then pending, then
// error, newest first within the same rank.
func Current(rows []Audio) *Audio {
	var best *Audio
	for i := range rows {
		a := &rows[i]
		if best == nil {
			best = a
			continue
		}
		pa, pb := priority(a), priority(best)
		if pa < pb || (pa == pb && a.CreatedAt.After(best.CreatedAt)) {
			best = a
		}
	}
	return best
}

// View is the projection clients see next to a story.
type View struct {
	AudioURL *string `json:"audio_url"`
	Status   Status  `json:"status"`
	VoiceID  *string `json:"voice_id"`
}

func (a *Audio) View() *View {
	if a == nil {
		return nil
	}
	return &View{AudioURL: a.AudioURL, Status: a.Status, VoiceID: a.VoiceID}
}

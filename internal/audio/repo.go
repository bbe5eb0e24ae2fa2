package audio

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, a *Audio) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*Audio, error) {
	var a Audio
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// FindPending returns the newest pending row for the story, or nil.
func (r *Repo) FindPending(ctx context.Context, storyID, userID string) (*Audio, error) {
	var a Audio
	err := r.db.WithContext(ctx).
		Where("story_id = ? AND user_id = ? AND status = ?", storyID, userID, StatusPending).
		Order("created_at DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repo) HasReady(ctx context.Context, storyID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Audio{}).
		Where("story_id = ? AND status = ? AND audio_url IS NOT NULL AND audio_url <> ''", storyID, StatusReady).
		Limit(1).
		Count(&n).Error
	return n > 0, err
}

func (r *Repo) ListByStory(ctx context.Context, storyID, userID string) ([]Audio, error) {
	var out []Audio
	err := r.db.WithContext(ctx).
		Where("story_id = ? AND user_id = ?", storyID, userID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

// ListForStories groups the user's rows by story id.
func (r *Repo) ListForStories(ctx context.Context, userID string, storyIDs []string) (map[string][]Audio, error) {
	out := make(map[string][]Audio, len(storyIDs))
	if len(storyIDs) == 0 {
		return out, nil
	}
	var rows []Audio
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND story_id IN ?", userID, storyIDs).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, a := range rows {
		out[a.StoryID] = append(out[a.StoryID], a)
	}
	return out, nil
}

func (r *Repo) SetVoice(ctx context.Context, id, voiceID string) error {
	return r.db.WithContext(ctx).Model(&Audio{}).
		Where("id = ?", id).
		Update("voice_id", voiceID).Error
}

func (r *Repo) SetExternalTask(ctx context.Context, id, taskID string) error {
	return r.db.WithContext(ctx).Model(&Audio{}).
		Where("id = ?", id).
		Update("external_task_id", taskID).Error
}

func (r *Repo) MarkReady(ctx context.Context, id, storagePath, audioURL string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Audio{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           StatusReady,
			"storage_path":     storagePath,
			"audio_url":        audioURL,
			"generated_at":     at.UTC(),
			"generation_error": nil,
		}).Error
}

func (r *Repo) MarkError(ctx context.Context, id, msg string) error {
	return r.db.WithContext(ctx).Model(&Audio{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           StatusError,
			"storage_path":     nil,
			"audio_url":        nil,
			"generated_at":     nil,
			"generation_error": msg,
		}).Error
}

func (r *Repo) DeleteByStory(ctx context.Context, storyID, userID string) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("story_id = ? AND user_id = ?", storyID, userID).
		Delete(&Audio{})
	return res.RowsAffected, res.Error
}

package story

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, s *Story) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) Get(ctx context.Context, id string) (*Story, error) {
	var s Story
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) GetOwned(ctx context.Context, id, userID string) (*Story, error) {
	var s Story
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListByUser returns the user's stories newest first.
func (r *Repo) ListByUser(ctx context.Context, userID string) ([]Story, error) {
	var out []Story
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) CountCreatedBetween(ctx context.Context, userID string, from, to time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Story{}).
		Where("user_id = ? AND created_at >= ? AND created_at < ?", userID, from.UTC(), to.UTC()).
		Count(&n).Error
	return n, err
}

// SetStatus moves the story to status and clears any previous error.
func (r *Repo) SetStatus(ctx context.Context, id string, status Status) error {
	return r.db.WithContext(ctx).Model(&Story{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           status,
			"generation_error": nil,
		}).Error
}

func (r *Repo) SaveGenerated(ctx context.Context, id, title, text string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Story{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           StatusGenerated,
			"title":            title,
			"story_text":       text,
			"generated_at":     at.UTC(),
			"generation_error": nil,
		}).Error
}

func (r *Repo) MarkError(ctx context.Context, id, msg string) error {
	return r.db.WithContext(ctx).Model(&Story{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           StatusError,
			"generation_error": msg,
		}).Error
}

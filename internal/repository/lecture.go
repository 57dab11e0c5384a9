// Package repository provides data access for lecture catalog records.
package repository

import (
	"context"
	"errors"

	"lecturechat/internal/models"
	"lecturechat/internal/observability"

	"gorm.io/gorm"
)

// LectureRepository defines the interface for lecture data operations.
type LectureRepository interface {
	GetLectureByID(ctx context.Context, id string) (*models.Lecture, error)
	SetLectureLive(ctx context.Context, id string, isLive bool) error
	GetEnrollment(ctx context.Context, lectureID, userID string) (*models.Enrollment, error)
	CreateEnrollment(ctx context.Context, e *models.Enrollment) error
}

// lectureRepository implements LectureRepository.
type lectureRepository struct {
	db      *gorm.DB
	logger  *observability.RepoLogger
	metrics *observability.DatabaseMetrics
}

// NewLectureRepository creates a new lecture repository.
func NewLectureRepository(db *gorm.DB) LectureRepository {
	return &lectureRepository{
		db:      db,
		logger:  observability.NewRepoLogger("lectures"),
		metrics: observability.NewDatabaseMetrics(db),
	}
}

// GetLectureByID returns the lecture or (nil, nil) when it does not exist.
func (r *lectureRepository) GetLectureByID(ctx context.Context, id string) (*models.Lecture, error) {
	defer r.metrics.TrackQuery("select", "lectures")()

	var lecture models.Lecture
	err := r.db.WithContext(ctx).First(&lecture, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.LogError(ctx, err, "select")
		return nil, err
	}
	r.logger.LogRead(ctx, map[string]interface{}{"lecture_id": id, "is_live": lecture.IsLive})
	return &lecture, nil
}

func (r *lectureRepository) SetLectureLive(ctx context.Context, id string, isLive bool) error {
	defer r.metrics.TrackQuery("update", "lectures")()

	err := r.db.WithContext(ctx).Model(&models.Lecture{}).
		Where("id = ?", id).
		Update("is_live", isLive).Error
	if err != nil {
		r.logger.LogError(ctx, err, "update")
		return err
	}
	r.logger.LogUpdate(ctx, map[string]interface{}{"lecture_id": id, "is_live": isLive})
	return nil
}

// GetEnrollment returns the user's enrollment for the lecture or (nil, nil)
// when they are not enrolled.
func (r *lectureRepository) GetEnrollment(ctx context.Context, lectureID, userID string) (*models.Enrollment, error) {
	defer r.metrics.TrackQuery("select", "enrollments")()

	var enrollment models.Enrollment
	err := r.db.WithContext(ctx).
		Where("lecture_id = ? AND user_id = ?", lectureID, userID).
		First(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.LogError(ctx, err, "select")
		return nil, err
	}
	return &enrollment, nil
}

func (r *lectureRepository) CreateEnrollment(ctx context.Context, e *models.Enrollment) error {
	defer r.metrics.TrackQuery("insert", "enrollments")()

	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		r.logger.LogError(ctx, err, "insert")
		return err
	}
	return nil
}

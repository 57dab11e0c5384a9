package repository

import (
	"context"
	"testing"
	"time"

	"lecturechat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Lecture{}, &models.Enrollment{}))
	return db
}

func TestGetLectureByID(t *testing.T) {
	db := newTestDB(t)
	repo := NewLectureRepository(db)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Lecture{
		ID:        "cs101",
		Title:     "Algorithms",
		Presenter: "Prof. Knuth",
		IsLive:    true,
		StartsAt:  time.Now(),
	}).Error)

	lecture, err := repo.GetLectureByID(ctx, "cs101")
	require.NoError(t, err)
	require.NotNil(t, lecture)
	assert.Equal(t, "Algorithms", lecture.Title)
	assert.True(t, lecture.IsLive)

	missing, err := repo.GetLectureByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSetLectureLive(t *testing.T) {
	db := newTestDB(t)
	repo := NewLectureRepository(db)
	ctx := context.Background()

	require.NoError(t, db.Create(&models.Lecture{ID: "cs101", IsLive: false}).Error)

	require.NoError(t, repo.SetLectureLive(ctx, "cs101", true))

	lecture, err := repo.GetLectureByID(ctx, "cs101")
	require.NoError(t, err)
	assert.True(t, lecture.IsLive)

	require.NoError(t, repo.SetLectureLive(ctx, "cs101", false))
	lecture, err = repo.GetLectureByID(ctx, "cs101")
	require.NoError(t, err)
	assert.False(t, lecture.IsLive)
}

func TestEnrollments(t *testing.T) {
	db := newTestDB(t)
	repo := NewLectureRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.CreateEnrollment(ctx, &models.Enrollment{
		LectureID: "cs101",
		UserID:    "user-1",
		Role:      models.RoleModerator,
	}))

	enrollment, err := repo.GetEnrollment(ctx, "cs101", "user-1")
	require.NoError(t, err)
	require.NotNil(t, enrollment)
	assert.Equal(t, models.RoleModerator, enrollment.Role)

	missing, err := repo.GetEnrollment(ctx, "cs101", "stranger")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// The (lecture, user) pair is unique.
	err = repo.CreateEnrollment(ctx, &models.Enrollment{
		LectureID: "cs101",
		UserID:    "user-1",
		Role:      models.RoleParticipant,
	})
	assert.Error(t, err)
}

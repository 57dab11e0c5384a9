// Package seed provides helpers to create test and demo data for the
// application database. These helpers are intended for development and
// testing only.
package seed

import (
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"lecturechat/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/gorm"
)

// Options configuration for the seeder
type Options struct {
	NumLectures        int
	EnrollmentsPerTalk int
	ShouldClean        bool
}

var subjects = []string{
	"Algorithms", "Operating Systems", "Databases", "Networks", "Compilers",
	"Machine Learning", "Linear Algebra", "Statistics", "Microeconomics",
	"Organic Chemistry", "Thermodynamics", "Art History", "Philosophy of Mind",
}

// Run populates the database with fake lectures and enrollments.
func Run(db *gorm.DB, opts Options) error {
	gofakeit.Seed(time.Now().UnixNano())
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	if opts.NumLectures <= 0 {
		opts.NumLectures = 10
	}
	if opts.EnrollmentsPerTalk <= 0 {
		opts.EnrollmentsPerTalk = 25
	}

	if opts.ShouldClean {
		log.Println("Cleaning existing lecture data...")
		if err := db.Exec("DELETE FROM enrollments").Error; err != nil {
			return fmt.Errorf("clean enrollments: %w", err)
		}
		if err := db.Exec("DELETE FROM lectures").Error; err != nil {
			return fmt.Errorf("clean lectures: %w", err)
		}
	}

	log.Printf("Seeding %d lectures with %d enrollments each...", opts.NumLectures, opts.EnrollmentsPerTalk)

	for i := 0; i < opts.NumLectures; i++ {
		lecture := buildLecture(r, i)
		if err := db.Create(lecture).Error; err != nil {
			return fmt.Errorf("create lecture %s: %w", lecture.ID, err)
		}

		for j := 0; j < opts.EnrollmentsPerTalk; j++ {
			enrollment := buildEnrollment(r, lecture.ID, j)
			if err := db.Create(enrollment).Error; err != nil {
				return fmt.Errorf("create enrollment for %s: %w", lecture.ID, err)
			}
		}
	}

	log.Println("Seeding complete")
	return nil
}

func buildLecture(r *rand.Rand, n int) *models.Lecture {
	subject := subjects[r.Intn(len(subjects))]
	starts := time.Now().Add(time.Duration(r.Intn(14*24)-7*24) * time.Hour)

	return &models.Lecture{
		ID:        fmt.Sprintf("%s-%d%02d", slugify(subject), 100+r.Intn(400), n),
		Title:     fmt.Sprintf("%s: %s", subject, gofakeit.Sentence(4)),
		Presenter: gofakeit.Name(),
		IsLive:    starts.Before(time.Now()) && r.Intn(3) == 0,
		StartsAt:  starts,
		EndsAt:    starts.Add(time.Duration(45+r.Intn(75)) * time.Minute),
	}
}

func buildEnrollment(r *rand.Rand, lectureID string, n int) *models.Enrollment {
	role := models.RoleParticipant
	// first enrollment of every lecture is its moderator
	if n == 0 {
		role = models.RoleModerator
	}

	return &models.Enrollment{
		LectureID: lectureID,
		UserID:    gofakeit.UUID(),
		Role:      role,
	}
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	return s
}

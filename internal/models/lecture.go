package models

import "time"

// Lecture is the catalog record a chat room hangs off of. The chat service
// does not own lecture scheduling; it reads this table to decide whether a
// lecture is live and who may moderate it.
type Lecture struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Title     string    `json:"title"`
	Presenter string    `json:"presenter"`
	IsLive    bool      `gorm:"index" json:"isLive"`
	StartsAt  time.Time `json:"startsAt"`
	EndsAt    time.Time `json:"endsAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Enrollment links a user to a lecture with the role they hold there.
type Enrollment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	LectureID string    `gorm:"index:idx_enrollment_lecture_user,unique" json:"lectureId"`
	UserID    string    `gorm:"index:idx_enrollment_lecture_user,unique" json:"userId"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

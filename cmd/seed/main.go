// Command main seeds the lecture catalog with fake data for development.
package main

import (
	"flag"
	"log"

	"lecturechat/internal/config"
	"lecturechat/internal/database"
	"lecturechat/internal/seed"
)

func main() {
	lectures := flag.Int("lectures", 10, "Number of lectures to create")
	enrollments := flag.Int("enrollments", 25, "Enrollments per lecture")
	clean := flag.Bool("clean", false, "Delete existing lecture data first")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.DBHost == "" {
		log.Fatal("Seeding requires a database; set DB_HOST")
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := seed.Run(db, seed.Options{
		NumLectures:        *lectures,
		EnrollmentsPerTalk: *enrollments,
		ShouldClean:        *clean,
	}); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
}

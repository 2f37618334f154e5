package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"loopboard/backend/internal/config"
	"loopboard/backend/internal/logging"
	"loopboard/backend/internal/loopengine"
	"loopboard/backend/internal/repository"
	"loopboard/backend/pkg/models"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	// Load config
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to DB
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	store := repository.NewPostgresStore(pool)

	// 1. Ensure the dev organization exists
	domain := "localhost"
	org, err := store.GetOrganizationByDomain(ctx, domain)
	if err != nil {
		logger.Info("Creating default organization", "domain", domain)
		org = &models.Organization{
			Name:   "Local Dev Org",
			Domain: domain,
		}
		if err := store.CreateOrganization(ctx, org); err != nil {
			log.Fatalf("Failed to create organization: %v", err)
		}
	} else {
		logger.Info("Found existing organization", "id", org.ID)
	}

	// 2. Ensure the dev users exist
	users := []struct {
		Name  string
		Email string
	}{
		{"Dev User", "dev@localhost"},
		{"Riley Writer", "riley@localhost"},
		{"Sam Reviewer", "sam@localhost"},
	}
	byEmail := make(map[string]*models.User)
	for _, u := range users {
		user, err := store.GetUserByEmail(ctx, u.Email)
		if err != nil {
			user = &models.User{OrgID: org.ID, Name: u.Name, Email: u.Email}
			if err := store.CreateUser(ctx, user); err != nil {
				log.Fatalf("Failed to create user %s: %v", u.Email, err)
			}
			logger.Info("Seeded user", "email", u.Email, "id", user.ID)
		}
		byEmail[u.Email] = user
	}
	dev := byEmail["dev@localhost"]
	riley := byEmail["riley@localhost"]
	sam := byEmail["sam@localhost"]

	// 3. Check for existing tasks to prevent duplicates
	existing, err := store.ListTasks(ctx, org.ID)
	if err != nil {
		log.Fatalf("Failed to list existing tasks: %v", err)
	}
	existingMap := make(map[string]bool)
	for _, t := range existing {
		existingMap[t.Title] = true
	}

	// 4. One simple task and one stepped task with its derived loop
	if !existingMap["Write onboarding guide"] {
		task := &models.Task{
			OrgID:       org.ID,
			Title:       "Write onboarding guide",
			Description: "A short guide for new contributors.",
			Status:      models.TaskStatusOpen,
			OwnerID:     riley.ID,
			CreatedBy:   dev.ID,
		}
		if err := store.CreateTask(ctx, task); err != nil {
			log.Fatalf("Failed to create task: %v", err)
		}
		logger.Info("Seeded task", "title", task.Title, "id", task.ID)
	}

	if !existingMap["Ship release notes"] {
		task := &models.Task{
			OrgID:       org.ID,
			Title:       "Ship release notes",
			Description: "Draft, review and publish the release notes.",
			Status:      models.TaskStatusOpen,
			CreatedBy:   dev.ID,
			Steps: []models.TaskStep{
				{Title: "Draft the notes", OwnerID: riley.ID, Status: models.StepStatusOpen},
				{Title: "Review the draft", OwnerID: sam.ID, Status: models.StepStatusOpen},
				{Title: "Publish", OwnerID: dev.ID, Status: models.StepStatusOpen},
			},
		}
		task.SyncStepPointer()
		if err := store.CreateTask(ctx, task); err != nil {
			log.Fatalf("Failed to create task: %v", err)
		}

		loop := loopengine.DeriveLoop(task.Steps, task.CurrentStepIndex, task.Status)
		loop.TaskID = task.ID
		if err := store.CreateLoop(ctx, loop); err != nil {
			log.Fatalf("Failed to create loop: %v", err)
		}
		history := make([]models.LoopHistory, len(loop.Sequence))
		for i := range loop.Sequence {
			history[i] = models.LoopHistory{
				TaskID:    task.ID,
				StepIndex: i,
				Action:    models.HistoryCreate,
				UserID:    dev.ID,
			}
		}
		if err := store.AppendHistory(ctx, history); err != nil {
			log.Fatalf("Failed to append history: %v", err)
		}
		logger.Info("Seeded stepped task with loop", "title", task.Title, "id", task.ID)
	}

	logger.Info("Seeding complete!")
}

// +build ignore

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Seeds a three-step welcome sequence with a handful of subscribers and one
// manual enrollment, so a fresh database has something for the scheduler to
// chew on.
//
// Usage: DATABASE_URL=postgres://... go run scripts/seed_demo_sequence.go

const welcomeHTML = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
  <h1>Welcome, {{ first_name | default: "friend" }}!</h1>
  <p>Thanks for signing up. Over the next few days we'll show you around.</p>
  <p>— The PlaneMail team</p>
</body>
</html>`

const followupHTML = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
  <h1>Still with us, {{ first_name | default: "friend" }}?</h1>
  <p>Here are three things most people miss in their first week.</p>
</body>
</html>`

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orgID := "00000000-0000-0000-0000-000000000001"
	seqID := uuid.New().String()

	_, err = db.ExecContext(ctx, `
		INSERT INTO sequences (id, organization_id, name, status, trigger_type, settings)
		VALUES ($1, $2, 'Welcome Series (demo)', 'active', 'manual',
		        '{"allow_reentry": false, "max_retries": 3}')
	`, seqID, orgID)
	if err != nil {
		log.Fatalf("insert sequence: %v", err)
	}

	steps := []struct {
		order  int
		typ    string
		config string
	}{
		{1, "email", fmt.Sprintf(`{"emailConfig": {"subject": "Welcome aboard!", "content": %q, "from_name": "PlaneMail", "from_email": "hello@planemail.in"}}`, welcomeHTML)},
		{2, "delay", `{"delayConfig": {"value": 2, "unit": "days"}}`},
		{3, "email", fmt.Sprintf(`{"emailConfig": {"subject": "Three things you might have missed", "content": %q, "from_name": "PlaneMail", "from_email": "hello@planemail.in"}}`, followupHTML)},
	}
	for _, s := range steps {
		_, err = db.ExecContext(ctx, `
			INSERT INTO sequence_steps (id, sequence_id, type, step_order, config, is_active)
			VALUES ($1, $2, $3, $4, $5, TRUE)
		`, uuid.New().String(), seqID, s.typ, s.order, s.config)
		if err != nil {
			log.Fatalf("insert step %d: %v", s.order, err)
		}
	}

	subscribers := []struct {
		email string
		first string
	}{
		{"ada@example.com", "Ada"},
		{"grace@example.com", "Grace"},
		{"alan@example.com", "Alan"},
	}
	var firstSub string
	for i, s := range subscribers {
		id := uuid.New().String()
		if i == 0 {
			firstSub = id
		}
		_, err = db.ExecContext(ctx, `
			INSERT INTO subscribers (id, organization_id, email, first_name, status)
			VALUES ($1, $2, $3, $4, 'confirmed')
		`, id, orgID, s.email, s.first)
		if err != nil {
			log.Fatalf("insert subscriber %s: %v", s.email, err)
		}
	}

	var firstStepID string
	if err := db.QueryRowContext(ctx, `
		SELECT id FROM sequence_steps WHERE sequence_id = $1 ORDER BY step_order ASC LIMIT 1
	`, seqID).Scan(&firstStepID); err != nil {
		log.Fatalf("lookup first step: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sequence_enrollments (id, sequence_id, subscriber_id, status, current_step_id, next_run_at)
		VALUES ($1, $2, $3, 'active', $4, NOW())
	`, uuid.New().String(), seqID, firstSub, firstStepID)
	if err != nil {
		log.Fatalf("insert enrollment: %v", err)
	}

	log.Printf("Seeded sequence %s with %d steps, %d subscribers, 1 enrollment", seqID, len(steps), len(subscribers))
	log.Println("Start cmd/worker to watch it execute")
}

package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/clinical-insights/backend/pkg/config"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS clinical_context_snapshots (
	id           UUID PRIMARY KEY,
	patient_id   TEXT NOT NULL,
	session_id   TEXT,
	purpose      TEXT,
	source       TEXT NOT NULL,
	payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
	collected_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_context_snapshots_patient
	ON clinical_context_snapshots (patient_id, collected_at);

CREATE TABLE IF NOT EXISTS ai_execution_audit (
	execution_id    TEXT PRIMARY KEY,
	pipeline_type   TEXT NOT NULL,
	patient_id      TEXT NOT NULL,
	session_id      TEXT,
	organization_id TEXT,
	user_id         TEXT,
	status          TEXT NOT NULL,
	request         JSONB NOT NULL,
	response        JSONB,
	performance     JSONB,
	metadata        JSONB,
	success         BOOLEAN,
	cache_hit       BOOLEAN,
	total_ms        BIGINT,
	total_tokens    INTEGER,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_execution_audit_created
	ON ai_execution_audit (created_at);
CREATE INDEX IF NOT EXISTS idx_ai_execution_audit_patient
	ON ai_execution_audit (patient_id, pipeline_type);
`

type snapshot struct {
	patientID string
	sessionID string
	purpose   string
	source    string
	payload   map[string]any
	age       time.Duration
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pgClient.Close()

	ctx := context.Background()

	if _, err := pgClient.DB().ExecContext(ctx, schemaDDL); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}

	if os.Getenv("RESET_DB") == "true" {
		log.Println("RESET_DB=true detected, truncating tables before seeding")
		if _, err := pgClient.DB().ExecContext(ctx, `TRUNCATE TABLE clinical_context_snapshots, ai_execution_audit`); err != nil {
			log.Fatalf("Failed to reset tables: %v", err)
		}
	}

	snapshots := []snapshot{
		{
			patientID: "demo-patient-1",
			source:    "intake",
			payload: map[string]any{
				"patient_summary": "34 year old presenting with generalized anxiety and sleep disruption.",
				"risk_history":    "No prior attempts. Passive ideation reported two years ago.",
				"treatment_goals": []string{"Reduce panic episodes", "Return to full-time work"},
			},
			age: 30 * 24 * time.Hour,
		},
		{
			patientID: "demo-patient-1",
			sessionID: "demo-session-1",
			source:    "transcript",
			payload: map[string]any{
				"transcript":       "Clinician: How has the week been? Patient: Better. I used the breathing exercise twice when I felt the panic coming.",
				"duration_minutes": 53,
				"modality":         "telehealth",
			},
			age: time.Hour,
		},
		{
			patientID: "demo-patient-1",
			sessionID: "demo-session-1",
			purpose:   "progress_assessment",
			source:    "ehr",
			payload: map[string]any{
				"session_history": "Sessions 1-5 focused on psychoeducation and breathing techniques.",
			},
			age: time.Hour,
		},
		{
			patientID: "demo-patient-1",
			purpose:   "session_note",
			source:    "preferences",
			payload: map[string]any{
				"note_style": "SOAP",
			},
			age: 7 * 24 * time.Hour,
		},
	}

	db := pgClient.Builder()
	now := time.Now().UTC()
	inserted := 0
	for _, s := range snapshots {
		payload, err := json.Marshal(s.payload)
		if err != nil {
			log.Fatalf("Failed to encode snapshot from %s: %v", s.source, err)
		}
		record := goqu.Record{
			"id":           uuid.New().String(),
			"patient_id":   s.patientID,
			"source":       s.source,
			"payload":      string(payload),
			"collected_at": now.Add(-s.age),
		}
		if s.sessionID != "" {
			record["session_id"] = s.sessionID
		}
		if s.purpose != "" {
			record["purpose"] = s.purpose
		}

		if _, err := db.Insert("clinical_context_snapshots").Rows(record).Executor().ExecContext(ctx); err != nil {
			log.Printf("Failed to insert snapshot from %s: %v", s.source, err)
			continue
		}
		inserted++
	}

	log.Printf("Seeding completed: %d context snapshots", inserted)
}

package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/rwdstudio/cohortengine/internal/infrastructure/clients/sqlite"
	"github.com/rwdstudio/cohortengine/pkg/config"
)

// Seeds a local SQLite claims database with synthetic patients, claims,
// pharmacy fills, labs and enrollment periods so the engine can run
// end to end without a production data source.
//
//	DB_DRIVER=sqlite3 DB_SQLITE_PATH=rwd_claims.db go run scripts/seed.go

const patientCount = 5000

var schema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		patient_id TEXT PRIMARY KEY,
		age INTEGER,
		sex TEXT,
		race TEXT,
		region TEXT,
		state TEXT,
		birth_year INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS claims (
		claim_id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT,
		primary_diagnosis_code TEXT,
		secondary_diagnosis_code TEXT,
		tertiary_diagnosis_code TEXT,
		procedure_code TEXT,
		service_date TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS pharmacy_claims (
		fill_id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT,
		ndc_code TEXT,
		drug_class TEXT,
		fill_date TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS lab_results (
		result_id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT,
		loinc_code TEXT,
		result_value REAL,
		result_unit TEXT,
		result_date TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS observations (
		observation_id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id TEXT,
		observation_code TEXT,
		observation_value REAL,
		observation_date TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS enrollment_periods (
		patient_id TEXT,
		enrollment_start TEXT,
		enrollment_end TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS ref_icd10 (code TEXT PRIMARY KEY, description TEXT)`,
	`CREATE TABLE IF NOT EXISTS ref_cpt (code TEXT PRIMARY KEY, description TEXT)`,
	`CREATE TABLE IF NOT EXISTS ref_ndc (code TEXT PRIMARY KEY, description TEXT)`,
	`CREATE INDEX IF NOT EXISTS idx_claims_patient ON claims(patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_claims_dx ON claims(primary_diagnosis_code)`,
	`CREATE INDEX IF NOT EXISTS idx_pharmacy_patient ON pharmacy_claims(patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_labs_patient ON lab_results(patient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_enrollment_patient ON enrollment_periods(patient_id)`,
}

var icd10Codes = []struct {
	code string
	desc string
}{
	{"I50.9", "Heart failure, unspecified"},
	{"I50.22", "Chronic systolic heart failure"},
	{"E11.9", "Type 2 diabetes mellitus without complications"},
	{"E11.65", "Type 2 diabetes mellitus with hyperglycemia"},
	{"J44.9", "Chronic obstructive pulmonary disease, unspecified"},
	{"N18.3", "Chronic kidney disease, stage 3"},
	{"C50.911", "Malignant neoplasm of breast, right female"},
	{"I10", "Essential hypertension"},
}

var ndcCodes = []struct {
	code  string
	class string
}{
	{"00093-7180", "ACEI"},
	{"00378-1805", "ACEI"},
	{"00071-0222", "BETA_BLOCKER"},
	{"50111-0434", "SGLT2"},
	{"00006-0277", "STATIN"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.Driver != "sqlite3" {
		log.Fatalf("seed targets the local sqlite database, set DB_DRIVER=sqlite3")
	}

	client, err := sqlite.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	db := client.DB()

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Fatalf("Failed to create schema: %v", err)
		}
	}

	for _, c := range icd10Codes {
		if _, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO ref_icd10 (code, description) VALUES (?, ?)`,
			c.code, c.desc); err != nil {
			log.Fatalf("Failed to seed ref_icd10: %v", err)
		}
	}
	for _, c := range ndcCodes {
		if _, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO ref_ndc (code, description) VALUES (?, ?)`,
			c.code, c.class); err != nil {
			log.Fatalf("Failed to seed ref_ndc: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(42))
	sexes := []string{"F", "M"}
	regions := []string{"northeast", "midwest", "south", "west"}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		log.Fatalf("Failed to begin transaction: %v", err)
	}

	start := time.Now()
	for i := 0; i < patientCount; i++ {
		patientID := fmt.Sprintf("P%06d", i+1)
		age := 18 + rng.Intn(72)

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO patients (patient_id, age, sex, race, region, state, birth_year)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			patientID, age, sexes[rng.Intn(2)], "unknown",
			regions[rng.Intn(4)], "CA", 2025-age); err != nil {
			log.Fatalf("Failed to insert patient: %v", err)
		}

		enrollStart := time.Date(2019+rng.Intn(3), time.Month(1+rng.Intn(12)), 1, 0, 0, 0, 0, time.UTC)
		enrollEnd := enrollStart.AddDate(1+rng.Intn(4), 0, 0)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enrollment_periods (patient_id, enrollment_start, enrollment_end)
			 VALUES (?, ?, ?)`,
			patientID, enrollStart.Format("2006-01-02"), enrollEnd.Format("2006-01-02")); err != nil {
			log.Fatalf("Failed to insert enrollment: %v", err)
		}

		claims := 1 + rng.Intn(8)
		for j := 0; j < claims; j++ {
			dx := icd10Codes[rng.Intn(len(icd10Codes))]
			secondary := ""
			if rng.Intn(3) == 0 {
				secondary = icd10Codes[rng.Intn(len(icd10Codes))].code
			}
			serviceDate := enrollStart.AddDate(0, 0, rng.Intn(365))
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO claims (patient_id, primary_diagnosis_code, secondary_diagnosis_code, tertiary_diagnosis_code, procedure_code, service_date)
				 VALUES (?, ?, ?, '', '99213', ?)`,
				patientID, dx.code, secondary, serviceDate.Format("2006-01-02")); err != nil {
				log.Fatalf("Failed to insert claim: %v", err)
			}
		}

		fills := rng.Intn(6)
		for j := 0; j < fills; j++ {
			drug := ndcCodes[rng.Intn(len(ndcCodes))]
			fillDate := enrollStart.AddDate(0, 0, rng.Intn(365))
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pharmacy_claims (patient_id, ndc_code, drug_class, fill_date)
				 VALUES (?, ?, ?, ?)`,
				patientID, drug.code, drug.class, fillDate.Format("2006-01-02")); err != nil {
				log.Fatalf("Failed to insert pharmacy claim: %v", err)
			}
		}

		if rng.Intn(2) == 0 {
			resultDate := enrollStart.AddDate(0, 0, rng.Intn(365))
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO lab_results (patient_id, loinc_code, result_value, result_unit, result_date)
				 VALUES (?, '4548-4', ?, '%', ?)`,
				patientID, 4.5+rng.Float64()*9, resultDate.Format("2006-01-02")); err != nil {
				log.Fatalf("Failed to insert lab result: %v", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		log.Fatalf("Failed to commit: %v", err)
	}

	log.Printf("Seeded %d patients into %s in %s", patientCount, cfg.Database.Path, time.Since(start))
}

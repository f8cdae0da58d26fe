package main

import (
	"context"
	"os"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/database"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/search"
	"github.com/zatekoja/clinicalvalidation/internal/adapters/templates"
	"github.com/zatekoja/clinicalvalidation/internal/application/services"
	"github.com/zatekoja/clinicalvalidation/internal/domain/entities"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
	"github.com/zatekoja/clinicalvalidation/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	observability.InitLogger(cfg.OTEL.ServiceName+"-seed", cfg.Environment)

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to DB")
	}
	defer pgClient.Close()

	ctx := context.Background()
	db := goqu.New("postgres", pgClient.DB())

	if os.Getenv("RESET_DB") == "true" {
		log.Info().Msg("RESET_DB=true detected, truncating tables before seeding")
		_, err := pgClient.DB().ExecContext(ctx, `
			TRUNCATE TABLE
				validation_attempts,
				medical_cpt_icd10_mappings,
				medical_icd10_markdown_docs,
				medical_icd10_codes,
				medical_cpt_codes,
				prompt_templates
		`)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to reset tables")
		}
	}

	// 1. Diagnoses
	diagnoses := []entities.DiagnosisCode{
		{Code: "E83.110", Description: "Hereditary hemochromatosis", Category: "Endocrine", ClinicalNotes: "Iron overload; MRI quantifies hepatic iron.", RecommendedImagingModalities: []string{"MRI"}, Keywords: []string{"iron", "ferritin", "liver", "hemochromatosis"}},
		{Code: "R10.11", Description: "Right upper quadrant pain", Category: "Symptoms", RecommendedImagingModalities: []string{"Ultrasound", "CT"}, Keywords: []string{"abdominal", "pain", "ruq"}},
		{Code: "K76.0", Description: "Fatty (change of) liver, not elsewhere classified", Category: "Digestive", RecommendedImagingModalities: []string{"Ultrasound", "MRI"}, Keywords: []string{"liver", "steatosis", "fatty"}},
		{Code: "K52.9", Description: "Noninfective gastroenteritis and colitis, unspecified", Category: "Digestive", Keywords: []string{"diarrhea", "colitis", "cramping"}},
		{Code: "S82.001A", Description: "Unspecified fracture of right patella, initial encounter", Category: "Injury", RecommendedImagingModalities: []string{"X-ray"}, Keywords: []string{"fracture", "knee", "fall", "trauma"}},
		{Code: "M25.561", Description: "Pain in right knee", Category: "Musculoskeletal", RecommendedImagingModalities: []string{"X-ray", "MRI"}, Keywords: []string{"knee", "pain", "locking"}},
		{Code: "R51.9", Description: "Headache, unspecified", Category: "Symptoms", RecommendedImagingModalities: []string{"CT"}, Keywords: []string{"headache", "thunderclap"}},
	}
	for _, d := range diagnoses {
		insert(ctx, db, database.TableDiagnoses, "icd10_code", goqu.Record{
			"icd10_code":         d.Code,
			"description":        d.Description,
			"clinical_notes":     d.ClinicalNotes,
			"imaging_modalities": pq.Array(d.RecommendedImagingModalities),
			"category":           d.Category,
			"keywords":           pq.Array(d.Keywords),
		})
	}

	// 2. Procedures
	procedures := []entities.ProcedureCode{
		{Code: "74183", Description: "MRI abdomen without and with contrast", Modality: "MRI", BodyPart: "Abdomen", Keywords: []string{"mri", "abdomen", "contrast"}},
		{Code: "74181", Description: "MRI abdomen without contrast", Modality: "MRI", BodyPart: "Abdomen", Keywords: []string{"mri", "abdomen"}},
		{Code: "73590", Description: "X-ray tibia and fibula, two views", Modality: "X-ray", BodyPart: "Lower leg", Keywords: []string{"xray", "tibia", "fibula"}},
		{Code: "73721", Description: "MRI any joint of lower extremity without contrast", Modality: "MRI", BodyPart: "Knee", Keywords: []string{"mri", "knee", "joint"}},
		{Code: "70450", Description: "CT head or brain without contrast", Modality: "CT", BodyPart: "Head", Keywords: []string{"ct", "head", "brain"}},
	}
	for _, p := range procedures {
		insert(ctx, db, database.TableProcedures, "cpt_code", goqu.Record{
			"cpt_code":    p.Code,
			"description": p.Description,
			"modality":    p.Modality,
			"body_part":   p.BodyPart,
			"keywords":    pq.Array(p.Keywords),
		})
	}

	// 3. Appropriateness mappings
	mappings := []entities.AppropriatenessMapping{
		{ICD10Code: "E83.110", CPTCode: "74183", AppropriatenessScore: 8, EvidenceSource: "ACR Appropriateness Criteria", Justification: "MRI with iron quantification is the reference standard for hepatic iron."},
		{ICD10Code: "E83.110", CPTCode: "74181", AppropriatenessScore: 9, EvidenceSource: "ACR Appropriateness Criteria", Justification: "Contrast is not required for R2* iron mapping."},
		{ICD10Code: "R10.11", CPTCode: "74183", AppropriatenessScore: 5, EvidenceSource: "ACR Appropriateness Criteria", Justification: "Ultrasound is first line for RUQ pain."},
		{ICD10Code: "S82.001A", CPTCode: "73590", AppropriatenessScore: 9, EvidenceSource: "Ottawa knee rules", Justification: "Radiographs indicated after trauma with inability to bear weight."},
		{ICD10Code: "M25.561", CPTCode: "73721", AppropriatenessScore: 7, EvidenceSource: "ACR Appropriateness Criteria", Justification: "MRI after failed conservative therapy with mechanical symptoms."},
		{ICD10Code: "R51.9", CPTCode: "70450", AppropriatenessScore: 9, EvidenceSource: "ACR Appropriateness Criteria", Justification: "Sudden severe headache requires non-contrast CT."},
	}
	for _, m := range mappings {
		insert(ctx, db, database.TableMappings, "id", goqu.Record{
			"id":                    uuid.New().String(),
			"icd10_code":            m.ICD10Code,
			"cpt_code":              m.CPTCode,
			"appropriateness":       m.AppropriatenessScore,
			"evidence_source":       m.EvidenceSource,
			"refined_justification": m.Justification,
		})
	}

	// 4. Clinical documents
	documents := []entities.ClinicalDocument{
		{ICD10Code: "E83.110", Content: "# Hereditary hemochromatosis\n\nSuspect with transferrin saturation above 45 percent and raised ferritin. HFE genotyping confirms. MRI R2* mapping quantifies hepatic iron without biopsy."},
		{ICD10Code: "M25.561", Content: "# Knee pain\n\nStart with radiographs. MRI is appropriate when mechanical symptoms persist after six weeks of conservative care."},
	}
	for _, d := range documents {
		insert(ctx, db, database.TableDocuments, "icd10_code", goqu.Record{
			"icd10_code": d.ICD10Code,
			"content":    d.Content,
		})
	}

	// 5. Prompt templates
	templatesPath := cfg.Validation.TemplatesFile
	if templatesPath == "" {
		templatesPath = "config/prompt_templates.yaml"
	}
	repo, err := templates.LoadFile(templatesPath)
	if err != nil {
		log.Fatal().Err(err).Str("file", templatesPath).Msg("Failed to load prompt templates")
	}
	for _, t := range repo.Templates() {
		if err := services.ValidateTemplate(t.ContentTemplate); err != nil {
			log.Fatal().Err(err).Str("template", t.ID).Msg("Invalid prompt template")
		}
		createdAt := t.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		insert(ctx, db, database.TablePromptTemplates, "id", goqu.Record{
			"id":               uuid.NewSHA1(uuid.NameSpaceURL, []byte(t.ID)).String(),
			"name":             t.Name,
			"type":             t.Type,
			"version":          t.Version,
			"content_template": t.ContentTemplate,
			"word_limit":       t.WordLimit,
			"active":           t.Active,
			"created_at":       createdAt,
		})
	}

	log.Info().
		Int("diagnoses", len(diagnoses)).
		Int("procedures", len(procedures)).
		Int("mappings", len(mappings)).
		Int("documents", len(documents)).
		Msg("Seeded clinical knowledge tables")

	// 6. Search cache
	if os.Getenv("SEED_REINDEX") != "true" {
		return
	}
	backend, closeBackend, err := search.OpenBackend(&cfg.Search, &cfg.Typesense)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open search cache")
	}
	defer closeBackend()

	rebuilder := services.NewIndexRebuildService(database.NewKnowledgeAdapter(pgClient), backend, nil, nil, cfg.Indexer.LockTTL, nil)
	report, err := rebuilder.Rebuild(ctx, services.RebuildOptions{BatchSize: cfg.Indexer.BatchSize})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to rebuild search cache")
	}
	log.Info().Str("index", report.Index).Dur("duration", report.Duration).Msg("Search cache rebuilt")
}

// insert is idempotent on the key column.
func insert(ctx context.Context, db *goqu.Database, table, key string, row goqu.Record) {
	query, args, err := db.Insert(table).Rows(row).OnConflict(goqu.DoNothing()).Prepared(true).ToSQL()
	if err != nil {
		log.Fatal().Err(err).Str("table", table).Msg("Failed to build insert")
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		log.Error().Err(err).Str("table", table).Interface(key, row[key]).Msg("Failed to insert row")
	}
}

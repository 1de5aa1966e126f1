package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"enrichflow/backend/internal/config"
	"enrichflow/backend/internal/logging"
	"enrichflow/backend/internal/repository"
	"enrichflow/backend/pkg/models"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)

	// apply the schema so seeding works against a fresh database
	if _, err := pool.Exec(ctx, repository.Schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	// 1. Ensure the dev client exists
	domain := "localhost"
	client, err := store.GetClientByDomain(ctx, domain)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Info("Creating default client", "domain", domain)
		client = &models.Client{Name: "Local Dev Client", Domain: domain}
		if err := store.CreateClient(ctx, client); err != nil {
			log.Fatalf("Failed to create client: %v", err)
		}
	} else if err != nil {
		log.Fatalf("Failed to look up client: %v", err)
	} else {
		logger.Info("Found existing client", "id", client.ID)
	}

	// 2. Register the enrichment steps
	steps := []*models.StepDefinition{
		{Slug: "normalize", Name: "Normalize Record", Kind: models.StepKindSync, EntityScope: models.ScopeItem},
		{Slug: "company_enrich", Name: "Company Enrichment", Kind: models.StepKindAsync, EntityScope: models.ScopeCompany},
		{Slug: "person_enrich", Name: "Person Enrichment", Kind: models.StepKindAsync, EntityScope: models.ScopePerson},
		{Slug: "email_finder", Name: "Email Finder", Kind: models.StepKindAsync, EntityScope: models.ScopeItem},
	}
	for _, def := range steps {
		if err := store.UpsertStepDefinition(ctx, def); err != nil {
			log.Fatalf("Failed to register step %s: %v", def.Slug, err)
		}
		logger.Info("Registered step", "slug", def.Slug, "kind", def.Kind)
	}

	// 3. Point the async steps at the local echo provider
	webhooks := map[string]string{
		"company_enrich": "http://localhost:9090/enrich/company",
		"person_enrich":  "http://localhost:9090/enrich/person",
		"email_finder":   "http://localhost:9090/enrich/email",
	}
	for slug, url := range webhooks {
		if err := store.UpsertClientStepConfig(ctx, client.ID, slug, &models.StepConfig{WebhookURL: url}); err != nil {
			log.Fatalf("Failed to configure step %s: %v", slug, err)
		}
		logger.Info("Configured step webhook", "slug", slug, "url", url)
	}

	// 4. Create a demo batch
	batch := &models.Batch{
		ID:        uuid.New().String(),
		ClientID:  client.ID,
		Status:    models.BatchStatusPending,
		Blueprint: []string{"normalize", "company_enrich", "person_enrich", "email_finder"},
	}
	items := []*models.WorkItem{
		{
			ID:              uuid.New().String(),
			CompanyName:     ptr("Acme Corp"),
			CompanyDomain:   ptr("acme.example.com"),
			PersonFirstName: ptr("Ada"),
			PersonLastName:  ptr("Lovelace"),
			PersonTitle:     ptr("CTO"),
		},
		{
			ID:              uuid.New().String(),
			CompanyName:     ptr("Acme Corporation"),
			CompanyDomain:   ptr("https://www.acme.example.com"),
			PersonFirstName: ptr("Grace"),
			PersonLastName:  ptr("Hopper"),
			PersonTitle:     ptr("VP Engineering"),
		},
	}
	for _, item := range items {
		item.BatchID = batch.ID
	}

	if err := store.CreateBatch(ctx, batch, items); err != nil {
		log.Fatalf("Failed to create demo batch: %v", err)
	}
	logger.Info("Seeded demo batch", "id", batch.ID, "items", len(items))

	logger.Info("Seeding complete!")
}

func ptr(s string) *string { return &s }

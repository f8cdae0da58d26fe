package typesense

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/typesense/typesense-go/v2/typesense"
	"github.com/typesense/typesense-go/v2/typesense/api"
	"github.com/typesense/typesense-go/v2/typesense/api/pointer"
	"github.com/zatekoja/clinicalvalidation/pkg/config"
	"github.com/zatekoja/clinicalvalidation/pkg/retry"
	"golang.org/x/sync/errgroup"
)

// Search cache collections.
const (
	DiagnosesCollection  = "clinical_diagnoses"
	ProceduresCollection = "clinical_procedures"
	MappingsCollection   = "clinical_mappings"
	DocumentsCollection  = "clinical_documents"
)

// upsertConcurrency bounds parallel document upserts within one batch.
const upsertConcurrency = 8

// Client represents a Typesense client
type Client struct {
	client *typesense.Client
}

// NewClient creates a new Typesense client with exponential backoff retry
func NewClient(cfg *config.TypesenseConfig) (*Client, error) {
	client := typesense.NewClient(
		typesense.WithServer(cfg.URL),
		typesense.WithAPIKey(cfg.APIKey),
		typesense.WithConnectionTimeout(5*time.Second),
	)

	err := retry.DoWithLog(
		context.Background(),
		retry.DefaultConfig(),
		"Typesense",
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := client.Health(ctx, 2*time.Second)
			return err
		},
		func(attempt int, err error, nextDelay time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", nextDelay).Msg("Typesense connection attempt failed")
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Typesense after retries: %w", err)
	}

	log.Info().Str("url", cfg.URL).Msg("Connected to Typesense")
	return &Client{client: client}, nil
}

// NewClientFromTypesense wraps an existing client without a health check
func NewClientFromTypesense(client *typesense.Client) *Client {
	return &Client{client: client}
}

// Client returns the underlying Typesense client
func (c *Client) Client() *typesense.Client {
	return c.client
}

// Collections lists every search cache collection in rebuild order
func Collections() []string {
	return []string{DiagnosesCollection, ProceduresCollection, MappingsCollection, DocumentsCollection}
}

// CollectionSchemas declares which fields are full-text and which are exact-match tags
func CollectionSchemas() []*api.CollectionSchema {
	return []*api.CollectionSchema{
		{
			Name: DiagnosesCollection,
			Fields: []api.Field{
				{Name: "code", Type: "string", Sort: pointer.True()},
				{Name: "description", Type: "string"},
				{Name: "clinical_notes", Type: "string", Optional: pointer.True()},
				{Name: "keywords", Type: "string[]", Optional: pointer.True()},
				{Name: "imaging_modalities", Type: "string[]", Facet: pointer.True(), Optional: pointer.True()},
				{Name: "category", Type: "string", Facet: pointer.True(), Optional: pointer.True()},
			},
		},
		{
			Name: ProceduresCollection,
			Fields: []api.Field{
				{Name: "code", Type: "string", Sort: pointer.True()},
				{Name: "description", Type: "string"},
				{Name: "keywords", Type: "string[]", Optional: pointer.True()},
				{Name: "modality", Type: "string", Facet: pointer.True(), Optional: pointer.True()},
				{Name: "body_part", Type: "string", Facet: pointer.True(), Optional: pointer.True()},
			},
		},
		{
			Name: MappingsCollection,
			Fields: []api.Field{
				{Name: "icd10_code", Type: "string", Facet: pointer.True(), Sort: pointer.True()},
				{Name: "cpt_code", Type: "string", Facet: pointer.True(), Sort: pointer.True()},
				{Name: "appropriateness", Type: "int32"},
				{Name: "evidence_source", Type: "string", Optional: pointer.True()},
				{Name: "justification", Type: "string", Optional: pointer.True()},
				{Name: "icd10_description", Type: "string", Optional: pointer.True()},
				{Name: "cpt_description", Type: "string", Optional: pointer.True()},
			},
			DefaultSortingField: pointer.String("appropriateness"),
		},
		{
			Name: DocumentsCollection,
			Fields: []api.Field{
				{Name: "icd10_code", Type: "string", Facet: pointer.True(), Sort: pointer.True()},
				{Name: "content", Type: "string"},
			},
		},
	}
}

// DropCollections deletes the named search cache collections, or all of them
// when none are named. Missing collections are skipped.
func (c *Client) DropCollections(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = Collections()
	}
	for _, name := range names {
		if _, err := c.client.Collection(name).Delete(ctx); err != nil {
			if isNotFound(err) {
				continue
			}
			return fmt.Errorf("failed to drop collection %s: %w", name, err)
		}
		log.Info().Str("collection", name).Msg("Dropped Typesense collection")
	}
	return nil
}

// CreateCollections creates the named collections that do not exist yet, or
// every missing collection when none are named.
func (c *Client) CreateCollections(ctx context.Context, names ...string) error {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	for _, schema := range CollectionSchemas() {
		if len(wanted) > 0 && !wanted[schema.Name] {
			continue
		}
		if _, err := c.client.Collection(schema.Name).Retrieve(ctx); err == nil {
			continue
		}
		if _, err := c.client.Collections().Create(ctx, schema); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", schema.Name, err)
		}
		log.Info().Str("collection", schema.Name).Msg("Created Typesense collection")
	}
	return nil
}

// UpsertDocuments writes a batch of documents with bounded concurrency
func (c *Client) UpsertDocuments(ctx context.Context, collection string, documents []map[string]interface{}) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(upsertConcurrency)
	for _, doc := range documents {
		doc := doc
		g.Go(func() error {
			if _, err := c.client.Collection(collection).Documents().Upsert(gctx, doc); err != nil {
				return fmt.Errorf("failed to upsert %v into %s: %w", doc["id"], collection, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CountDocuments returns the number of documents in a collection
func (c *Client) CountDocuments(ctx context.Context, collection string) (int, error) {
	resp, err := c.client.Collection(collection).Retrieve(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve collection %s: %w", collection, err)
	}
	if resp.NumDocuments == nil {
		return 0, nil
	}
	return int(*resp.NumDocuments), nil
}

// Search runs a search against a collection
func (c *Client) Search(ctx context.Context, collection string, params *api.SearchCollectionParams) (*api.SearchResult, error) {
	return c.client.Collection(collection).Documents().Search(ctx, params)
}

func isNotFound(err error) bool {
	var httpErr *typesense.HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}

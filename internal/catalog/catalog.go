// Package catalog is the configured model and provider directory. The flow
// resolver selects a chat model here and reads the credentials it forwards
// to the agent gateway.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Model types.
const (
	TypeChat      = "chat"
	TypeEmbedding = "embedding"
)

// Model is a configured model record. InputModalities drives attachment
// routing; only chat-typed models are eligible for conversation.
type Model struct {
	ID              string
	ModelID         string
	Type            string
	InputModalities []string
	ProviderID      string
}

// Provider holds the upstream credentials for a model.
type Provider struct {
	ID         string
	ClientType string
	APIKey     string
	BaseURL    string
}

// ErrNotFound reports a model or provider absent from the catalog.
var ErrNotFound = errors.New("catalog: not found")

// Service is the catalog lookup surface the resolver uses.
type Service interface {
	GetByModelID(ctx context.Context, modelID string) (Model, error)
	ListByClientType(ctx context.Context, clientType string) ([]Model, error)
	ProviderByID(ctx context.Context, providerID string) (Provider, error)
}

// Postgres implements Service on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// GetByModelID returns the model with the given public model id.
func (p *Postgres) GetByModelID(ctx context.Context, modelID string) (Model, error) {
	var m Model
	err := p.pool.QueryRow(ctx, `
		SELECT id::text, model_id, type, coalesce(input_modalities, '{}'), llm_provider_id::text
		FROM llm_models WHERE model_id = $1`, modelID,
	).Scan(&m.ID, &m.ModelID, &m.Type, &m.InputModalities, &m.ProviderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Model{}, fmt.Errorf("model %q: %w", modelID, ErrNotFound)
	}
	if err != nil {
		return Model{}, err
	}
	return m, nil
}

// ListByClientType returns all models whose provider has the client type.
func (p *Postgres) ListByClientType(ctx context.Context, clientType string) ([]Model, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT m.id::text, m.model_id, m.type, coalesce(m.input_modalities, '{}'), m.llm_provider_id::text
		FROM llm_models m
		JOIN llm_providers pr ON pr.id = m.llm_provider_id
		WHERE pr.client_type = $1`, clientType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.ID, &m.ModelID, &m.Type, &m.InputModalities, &m.ProviderID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ProviderByID returns a provider record with credentials.
func (p *Postgres) ProviderByID(ctx context.Context, providerID string) (Provider, error) {
	var pr Provider
	err := p.pool.QueryRow(ctx, `
		SELECT id::text, client_type, coalesce(api_key,''), coalesce(base_url,'')
		FROM llm_providers WHERE id = $1`, providerID,
	).Scan(&pr.ID, &pr.ClientType, &pr.APIKey, &pr.BaseURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return Provider{}, fmt.Errorf("provider %q: %w", providerID, ErrNotFound)
	}
	if err != nil {
		return Provider{}, err
	}
	return pr, nil
}

package clients

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresRegistry persists client identities in Postgres so registrations
// survive restarts and are shared across instances.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry opens the database and ensures the schema exists.
func NewPostgresRegistry(connString string) (*PostgresRegistry, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	registry := &PostgresRegistry{db: db}
	if err := registry.initSchema(); err != nil {
		return nil, err
	}
	return registry, nil
}

func (p *PostgresRegistry) Save(client *Client) error {
	query := `
		INSERT INTO oauth_clients
			(client_id, client_secret_hash, redirect_uris, grant_types, response_types, scope, token_endpoint_auth_method, client_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (client_id)
		DO UPDATE SET
			client_secret_hash = EXCLUDED.client_secret_hash,
			redirect_uris = EXCLUDED.redirect_uris,
			grant_types = EXCLUDED.grant_types,
			response_types = EXCLUDED.response_types,
			scope = EXCLUDED.scope,
			token_endpoint_auth_method = EXCLUDED.token_endpoint_auth_method,
			client_name = EXCLUDED.client_name,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now

	_, err := p.db.Exec(
		query,
		client.ClientID,
		nullableString(client.ClientSecretHash),
		pq.Array(client.RedirectURIs),
		pq.Array(client.GrantTypes),
		pq.Array(client.ResponseTypes),
		nullableString(client.Scope),
		client.TokenEndpointAuthMethod,
		nullableString(client.ClientName),
		client.CreatedAt,
		client.UpdatedAt,
	)
	return err
}

func (p *PostgresRegistry) Get(clientID string) (*Client, error) {
	query := `
		SELECT client_id, client_secret_hash, redirect_uris, grant_types, response_types, scope, token_endpoint_auth_method, client_name, created_at, updated_at
		FROM oauth_clients
		WHERE client_id = $1
	`

	var client Client
	var redirectURIs, grantTypes, responseTypes []string
	var scope, secretHash, clientName sql.NullString

	err := p.db.QueryRow(query, clientID).Scan(
		&client.ClientID,
		&secretHash,
		pq.Array(&redirectURIs),
		pq.Array(&grantTypes),
		pq.Array(&responseTypes),
		&scope,
		&client.TokenEndpointAuthMethod,
		&clientName,
		&client.CreatedAt,
		&client.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	client.ClientSecretHash = secretHash.String
	client.RedirectURIs = redirectURIs
	client.GrantTypes = grantTypes
	client.ResponseTypes = responseTypes
	client.Scope = scope.String
	client.ClientName = clientName.String
	return &client, nil
}

func (p *PostgresRegistry) Ping() error {
	return p.db.Ping()
}

func (p *PostgresRegistry) Close() error {
	return p.db.Close()
}

func (p *PostgresRegistry) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id VARCHAR(255) PRIMARY KEY,
		client_secret_hash TEXT,
		redirect_uris TEXT[] NOT NULL,
		grant_types TEXT[] NOT NULL,
		response_types TEXT[] NOT NULL,
		scope TEXT,
		token_endpoint_auth_method VARCHAR(50) NOT NULL,
		client_name TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);
	`

	_, err := p.db.Exec(query)
	return err
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

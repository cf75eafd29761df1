package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-ic-auth/identity"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// credentialNamespace seeds the stable record id derived from a storage key.
var credentialNamespace = uuid.MustParse("6f1d7c1e-3b8a-4f52-9a0e-5c2d8e4b7a10")

// CredentialID returns the record id used for key.
func CredentialID(key string) uuid.UUID {
	return uuid.NewSHA1(credentialNamespace, []byte(key))
}

// CredentialModel is the Bun model for identity client storage entries.
type CredentialModel struct {
	bun.BaseModel `bun:"table:credentials"`

	ID        uuid.UUID `bun:"id,pk,type:uuid"`
	Key       string    `bun:"key,notnull,unique"`
	Value     []byte    `bun:"value,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

// NewCredentialsRepository returns the generic repository over CredentialModel.
func NewCredentialsRepository(db *bun.DB) repository.Repository[*CredentialModel] {
	handlers := repository.ModelHandlers[*CredentialModel]{
		NewRecord: func() *CredentialModel {
			return &CredentialModel{}
		},
		GetID: func(record *CredentialModel) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *CredentialModel, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "key"
		},
	}
	return repository.NewRepository(db, handlers)
}

// CredentialStore implements identity.Storage on top of the credentials repository.
type CredentialStore struct {
	db   *bun.DB
	repo repository.Repository[*CredentialModel]
	now  func() time.Time
}

var _ identity.Storage = (*CredentialStore)(nil)

// NewCredentialStore creates a new store. Call Migrate once before use.
func NewCredentialStore(db *bun.DB) *CredentialStore {
	return &CredentialStore{
		db:   db,
		repo: NewCredentialsRepository(db),
		now:  time.Now,
	}
}

// OpenSQLite opens a Bun database on a SQLite DSN, e.g. "file:icauth.db?cache=shared".
func OpenSQLite(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

// Migrate creates the credentials table when missing.
func (s *CredentialStore) Migrate(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*CredentialModel)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

// Get implements identity.Storage.
func (s *CredentialStore) Get(ctx context.Context, key string) ([]byte, error) {
	record, err := s.find(ctx, key)
	if err != nil {
		return nil, err
	}
	return record.Value, nil
}

// Set implements identity.Storage. An existing entry is updated in place.
func (s *CredentialStore) Set(ctx context.Context, key string, value []byte) error {
	now := s.now()
	id := CredentialID(key)

	existing, err := s.find(ctx, key)
	if err == nil {
		existing.Value = value
		existing.UpdatedAt = now
		_, err = s.repo.UpdateTx(ctx, s.db, existing, repository.UpdateByID(id.String()))
		return err
	}
	if !identity.IsNotFound(err) {
		return err
	}

	_, err = s.repo.CreateTx(ctx, s.db, &CredentialModel{
		ID:        id,
		Key:       key,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return err
}

// Remove implements identity.Storage. Removing a missing key is not an error.
func (s *CredentialStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.NewDelete().
		Model((*CredentialModel)(nil)).
		Where("id = ?", CredentialID(key)).
		Exec(ctx)
	return err
}

func (s *CredentialStore) find(ctx context.Context, key string) (*CredentialModel, error) {
	record, err := s.repo.GetByID(ctx, CredentialID(key).String())
	if repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrStorageKeyNotFound.Clone().WithMetadata(map[string]any{
			"key": key,
		})
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"opticast/internal/models"
)

type postgresRepository struct {
	pool    *pgxpool.Pool
	cfg     PostgresConfig
	now     func() time.Time
	retries int
}

// NewPostgresRepository opens a Postgres-backed repository. Callers run
// ApplyMigrations (or Pool plus ApplyMigrations) before serving traffic.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &postgresRepository{
		pool:    pool,
		cfg:     cfg,
		now:     cfg.Clock,
		retries: cfg.UpdateRetries,
	}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	return r.pool.Ping(ctx)
}

const assetColumns = `id, owner_id, collection_id, name, status, job_id, delivery_path, progress, failure_reason, version, created_at, updated_at`

const collectionColumns = `id, owner_id, name, access_token_hash, allowed_origins, asset_ids, delivery_paths, deletion_job_id, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (models.Asset, int64, error) {
	var (
		asset   models.Asset
		status  string
		version int64
	)
	err := row.Scan(
		&asset.ID,
		&asset.OwnerID,
		&asset.CollectionID,
		&asset.Name,
		&status,
		&asset.JobID,
		&asset.DeliveryPath,
		&asset.Progress,
		&asset.FailureReason,
		&version,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	)
	if err != nil {
		return models.Asset{}, 0, err
	}
	asset.Status = models.AssetStatus(status)
	asset.CreatedAt = asset.CreatedAt.UTC()
	asset.UpdatedAt = asset.UpdatedAt.UTC()
	return asset, version, nil
}

func scanCollection(row rowScanner) (models.Collection, error) {
	var (
		collection models.Collection
		version    int64
	)
	err := row.Scan(
		&collection.ID,
		&collection.OwnerID,
		&collection.Name,
		&collection.AccessTokenHash,
		&collection.AllowedOrigins,
		&collection.AssetIDs,
		&collection.DeliveryPaths,
		&collection.DeletionJobID,
		&version,
		&collection.CreatedAt,
		&collection.UpdatedAt,
	)
	if err != nil {
		return models.Collection{}, err
	}
	collection.CreatedAt = collection.CreatedAt.UTC()
	collection.UpdatedAt = collection.UpdatedAt.UTC()
	return collection, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func (r *postgresRepository) CreateAsset(ctx context.Context, asset models.Asset) (models.Asset, error) {
	if asset.ID == "" {
		asset.ID = generateID()
	}
	if asset.Status == "" {
		asset.Status = models.AssetStatusQueued
	}
	if err := asset.Validate(); err != nil {
		return models.Asset{}, err
	}
	now := r.now()
	asset.CreatedAt = now
	asset.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `INSERT INTO assets (`+assetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)`,
		asset.ID, asset.OwnerID, asset.CollectionID, asset.Name, string(asset.Status), asset.JobID,
		asset.DeliveryPath, asset.Progress, asset.FailureReason, asset.CreatedAt, asset.UpdatedAt,
	)
	if err != nil {
		return models.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return asset, nil
}

func (r *postgresRepository) getAsset(ctx context.Context, id string) (models.Asset, int64, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id)
	asset, version, err := scanAsset(row)
	if err != nil {
		if isNoRows(err) {
			return models.Asset{}, 0, ErrNotFound
		}
		return models.Asset{}, 0, fmt.Errorf("load asset: %w", err)
	}
	return asset, version, nil
}

func (r *postgresRepository) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	asset, _, err := r.getAsset(ctx, id)
	return asset, err
}

// UpdateAsset reads the current version, applies the lifecycle rules, and
// writes back only if nobody else changed the row in between.
func (r *postgresRepository) UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error) {
	for attempt := 0; attempt < r.retries; attempt++ {
		current, version, err := r.getAsset(ctx, id)
		if err != nil {
			return models.Asset{}, err
		}
		next, err := applyAssetUpdate(current, update)
		if err != nil {
			return models.Asset{}, err
		}
		next.UpdatedAt = r.now()
		tag, err := r.pool.Exec(ctx, `UPDATE assets
			SET status = $3, job_id = $4, delivery_path = $5, progress = $6, failure_reason = $7,
			    updated_at = $8, version = version + 1
			WHERE id = $1 AND version = $2`,
			id, version, string(next.Status), next.JobID, next.DeliveryPath, next.Progress, next.FailureReason, next.UpdatedAt,
		)
		if err != nil {
			return models.Asset{}, fmt.Errorf("update asset: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return next, nil
		}
	}
	return models.Asset{}, ErrConflict
}

func (r *postgresRepository) DeleteAssets(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM assets WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete assets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *postgresRepository) ListAssets(ctx context.Context, collectionID string) ([]models.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets`
	args := []any{}
	if collectionID != "" {
		query += ` WHERE collection_id = $1`
		args = append(args, collectionID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	assets := make([]models.Asset, 0)
	for rows.Next() {
		asset, _, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func (r *postgresRepository) CreateCollection(ctx context.Context, collection models.Collection) (models.Collection, error) {
	if collection.ID == "" {
		collection.ID = generateID()
	}
	now := r.now()
	collection.CreatedAt = now
	collection.UpdatedAt = now
	collection.AllowedOrigins = nonNil(collection.AllowedOrigins)
	collection.AssetIDs = nonNil(collection.AssetIDs)
	collection.DeliveryPaths = nonNil(collection.DeliveryPaths)
	_, err := r.pool.Exec(ctx, `INSERT INTO collections (`+collectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)`,
		collection.ID, collection.OwnerID, collection.Name, collection.AccessTokenHash,
		collection.AllowedOrigins, collection.AssetIDs, collection.DeliveryPaths, collection.DeletionJobID,
		collection.CreatedAt, collection.UpdatedAt,
	)
	if err != nil {
		return models.Collection{}, fmt.Errorf("insert collection: %w", err)
	}
	return collection, nil
}

func (r *postgresRepository) GetCollection(ctx context.Context, id string) (models.Collection, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id = $1`, id)
	collection, err := scanCollection(row)
	if err != nil {
		if isNoRows(err) {
			return models.Collection{}, ErrNotFound
		}
		return models.Collection{}, fmt.Errorf("load collection: %w", err)
	}
	return collection, nil
}

func (r *postgresRepository) UpdateCollection(ctx context.Context, id string, update CollectionUpdate) (models.Collection, error) {
	current, err := r.GetCollection(ctx, id)
	if err != nil {
		return models.Collection{}, err
	}
	next := applyCollectionUpdate(current, update)
	next.UpdatedAt = r.now()
	tag, err := r.pool.Exec(ctx, `UPDATE collections
		SET name = $2, access_token_hash = $3, allowed_origins = $4, deletion_job_id = $5,
		    updated_at = $6, version = version + 1
		WHERE id = $1`,
		id, next.Name, next.AccessTokenHash, nonNil(next.AllowedOrigins), next.DeletionJobID, next.UpdatedAt,
	)
	if err != nil {
		return models.Collection{}, fmt.Errorf("update collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Collection{}, ErrNotFound
	}
	return next, nil
}

// Array edits are single statements so concurrent writers never overwrite
// each other's additions.
func (r *postgresRepository) AddCollectionAsset(ctx context.Context, collectionID, assetID string) error {
	return r.editCollectionArray(ctx, collectionID, `UPDATE collections
		SET asset_ids = array_append(asset_ids, $2), updated_at = $3, version = version + 1
		WHERE id = $1 AND NOT ($2 = ANY(asset_ids))`, assetID)
}

func (r *postgresRepository) AppendDeliveryPath(ctx context.Context, collectionID, deliveryPath string) error {
	if strings.TrimSpace(deliveryPath) == "" {
		return errors.New("delivery path is required")
	}
	return r.editCollectionArray(ctx, collectionID, `UPDATE collections
		SET delivery_paths = array_append(delivery_paths, $2), updated_at = $3, version = version + 1
		WHERE id = $1 AND NOT ($2 = ANY(delivery_paths))`, deliveryPath)
}

func (r *postgresRepository) DetachCollectionAsset(ctx context.Context, collectionID, assetID, deliveryPath string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE collections
		SET asset_ids = array_remove(asset_ids, $2),
		    delivery_paths = array_remove(delivery_paths, $3),
		    updated_at = $4, version = version + 1
		WHERE id = $1`, collectionID, assetID, deliveryPath, r.now())
	if err != nil {
		return fmt.Errorf("detach collection asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) editCollectionArray(ctx context.Context, collectionID, statement, value string) error {
	tag, err := r.pool.Exec(ctx, statement, collectionID, value, r.now())
	if err != nil {
		return fmt.Errorf("update collection: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM collections WHERE id = $1)`, collectionID).Scan(&exists); err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) DeleteCollection(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) ListCollections(ctx context.Context) ([]models.Collection, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+collectionColumns+` FROM collections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()
	collections := make([]models.Collection, 0)
	for rows.Next() {
		collection, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		collections = append(collections, collection)
	}
	return collections, rows.Err()
}

package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/cardpilot/ms-go-autopay/app/entity"
)

const authorizationColumns = `id, entity_id, user_id, gateway, gateway_ref, status, expires_at, created_at, updated_at`

type AuthorizationRepository struct {
	db DBTX
}

func NewAuthorizationRepository(db DBTX) *AuthorizationRepository {
	return &AuthorizationRepository{db: db}
}

func (r *AuthorizationRepository) Create(ctx context.Context, authorization *entity.Authorization) error {
	query := `
		INSERT INTO authorizations (
			entity_id, user_id, gateway, gateway_ref, status, expires_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		authorization.EntityID,
		authorization.UserID,
		authorization.Gateway,
		authorization.GatewayRef,
		authorization.Status,
		authorization.ExpiresAt,
		authorization.CreatedAt,
		authorization.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	authorization.ID = uint64(id)
	return nil
}

func (r *AuthorizationRepository) FindActiveByEntity(ctx context.Context, entityID string, gateway int32, now time.Time) (*entity.Authorization, error) {
	query := `
		SELECT ` + authorizationColumns + `
		FROM authorizations
		WHERE entity_id = ? AND gateway = ? AND status = ? AND expires_at > ?
		ORDER BY id DESC
		LIMIT 1
	`

	authorization := &entity.Authorization{}
	err := scanAuthorization(r.db.QueryRowContext(ctx, query, entityID, gateway, entity.AuthorizationStatusActive, now), authorization)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return authorization, nil
}

func (r *AuthorizationRepository) UpdateStatusByGatewayRef(ctx context.Context, gatewayRef string, status int32, now time.Time) (bool, error) {
	query := `UPDATE authorizations SET status = ?, updated_at = ? WHERE gateway_ref = ?`

	result, err := r.db.ExecContext(ctx, query, status, now, gatewayRef)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanAuthorization(scan rowScanner, authorization *entity.Authorization) error {
	return scan.Scan(
		&authorization.ID,
		&authorization.EntityID,
		&authorization.UserID,
		&authorization.Gateway,
		&authorization.GatewayRef,
		&authorization.Status,
		&authorization.ExpiresAt,
		&authorization.CreatedAt,
		&authorization.UpdatedAt,
	)
}

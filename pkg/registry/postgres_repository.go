package registry

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// PostgresRepository stores records in a single table. Uniqueness of identity,
// callback id and claimed subject is enforced by the schema.
type PostgresRepository struct {
	db    *gorm.DB
	table string
}

func NewPostgresRepository(db *gorm.DB, table string) *PostgresRepository {
	return &PostgresRepository{db: db, table: table}
}

type UserModel struct {
	Identity       string `gorm:"primaryKey"`
	UserAddress    string `gorm:"index"`
	TemplateLink   string
	CallbackID     string  `gorm:"uniqueIndex"`
	ClaimStatus    string  `gorm:"index;not null;default:pending"`
	Claim          *string `gorm:"type:text"`
	ClaimSubject   *string `gorm:"uniqueIndex"`
	CreatedAt      time.Time
	ClaimUpdatedAt *time.Time
}

func (r *PostgresRepository) AutoMigrate() error {
	return r.db.Table(r.table).AutoMigrate(&UserModel{})
}

func (r *PostgresRepository) Create(ctx context.Context, rec *UserRecord) error {
	model := toUserModel(rec)
	if err := r.db.WithContext(ctx).Table(r.table).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, identity string) (*UserRecord, error) {
	return r.first(ctx, "identity = ?", identity)
}

func (r *PostgresRepository) GetByCallbackID(ctx context.Context, callbackID string) (*UserRecord, error) {
	return r.first(ctx, "callback_id = ?", callbackID)
}

func (r *PostgresRepository) FindClaimedBySubject(ctx context.Context, subject string) (*UserRecord, error) {
	return r.first(ctx, "claim_subject = ? AND claim_status = ?", subject, string(StatusClaimed))
}

func (r *PostgresRepository) CompareAndSwapClaim(ctx context.Context, identity string, expected ClaimStatus, update ClaimUpdate) error {
	values := map[string]interface{}{
		"claim_status":     string(update.Status),
		"claim":            nullableString(update.ClaimString),
		"claim_subject":    nullableString(update.ClaimSubject),
		"claim_updated_at": update.UpdatedAt,
	}

	res := r.db.WithContext(ctx).Table(r.table).
		Where("identity = ? AND claim_status = ?", identity, string(expected)).
		Updates(values)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Table(r.table).Where("identity = ?", identity).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (r *PostgresRepository) first(ctx context.Context, query string, args ...interface{}) (*UserRecord, error) {
	var model UserModel
	err := r.db.WithContext(ctx).Table(r.table).Where(query, args...).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return mapUserModel(model), nil
}

func toUserModel(rec *UserRecord) UserModel {
	status := rec.ClaimStatus
	if status == "" {
		status = StatusPending
	}
	return UserModel{
		Identity:       rec.Identity,
		UserAddress:    rec.UserAddress,
		TemplateLink:   rec.TemplateLink,
		CallbackID:     rec.CallbackID,
		ClaimStatus:    string(status),
		Claim:          nullableString(rec.ClaimString),
		ClaimSubject:   nullableString(rec.ClaimSubject),
		CreatedAt:      rec.CreatedAt,
		ClaimUpdatedAt: rec.ClaimUpdatedAt,
	}
}

func mapUserModel(model UserModel) *UserRecord {
	rec := &UserRecord{
		Identity:       model.Identity,
		UserAddress:    model.UserAddress,
		TemplateLink:   model.TemplateLink,
		CallbackID:     model.CallbackID,
		ClaimStatus:    ClaimStatus(model.ClaimStatus),
		CreatedAt:      model.CreatedAt,
		ClaimUpdatedAt: model.ClaimUpdatedAt,
	}
	if model.Claim != nil {
		rec.ClaimString = *model.Claim
	}
	if model.ClaimSubject != nil {
		rec.ClaimSubject = *model.ClaimSubject
	}
	return rec
}

// nullableString keeps unclaimed rows out of the subject unique index. The
// claim column uses it too; the committed claimString is stored as text.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

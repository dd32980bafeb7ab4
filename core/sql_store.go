package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tunaaoguzhann/oncelink/logutil"
)

// tokenRow is the persisted layout of a Record. PurgeAt is the absolute
// moment the row stops existing, whatever its lifecycle state.
type tokenRow struct {
	Token        string    `gorm:"primaryKey;size:512"`
	TargetURL    string    `gorm:"not null"`
	IssuedAt     time.Time `gorm:"column:created_at"`
	ExpiresAt    time.Time
	Used         bool `gorm:"not null"`
	UsedAt       *time.Time
	RedeemedBy   string
	RedemptionID string    `gorm:"size:36"`
	Metadata     string    `gorm:"type:text"`
	PurgeAt      time.Time `gorm:"index"`
}

func (tokenRow) TableName() string { return "download_tokens" }

func (row tokenRow) record() (*Record, error) {
	rec := &Record{
		Token:        row.Token,
		TargetURL:    row.TargetURL,
		CreatedAt:    row.IssuedAt,
		ExpiresAt:    row.ExpiresAt,
		Used:         row.Used,
		UsedAt:       row.UsedAt,
		RedeemedBy:   row.RedeemedBy,
		RedemptionID: row.RedemptionID,
		Metadata:     map[string]any{},
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return rec, nil
}

type SQLStoreOptions struct {
	// SweepInterval controls the background purge of rows past PurgeAt.
	// Zero disables the sweep; reads still hide those rows.
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// SQLStore keeps records in a relational table. Expiry is enforced lazily on
// every read and eagerly by a scheduled sweep.
type SQLStore struct {
	db        *gorm.DB
	now       func() time.Time
	logger    *slog.Logger
	scheduler *gocron.Scheduler
}

// OpenSQL opens a gorm connection for one of the supported drivers.
func OpenSQL(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

// NewSQLStore migrates the token table and starts the sweep if configured.
func NewSQLStore(db *gorm.DB, opts SQLStoreOptions) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if err := db.AutoMigrate(&tokenRow{}); err != nil {
		return nil, fmt.Errorf("migrate token table: %w", err)
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	s := &SQLStore{
		db:     db,
		now:    func() time.Time { return nowFn().UTC() },
		logger: logutil.NoopIfNil(opts.Logger),
	}
	if opts.SweepInterval > 0 {
		s.scheduler = gocron.NewScheduler(time.UTC)
		if _, err := s.scheduler.Every(opts.SweepInterval).Do(s.sweepJob); err != nil {
			return nil, fmt.Errorf("schedule sweep: %w", err)
		}
		s.scheduler.StartAsync()
	}
	return s, nil
}

func (s *SQLStore) Put(ctx context.Context, token string, rec Record, ttl time.Duration) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	row := tokenRow{
		Token:        token,
		TargetURL:    rec.TargetURL,
		IssuedAt:     rec.CreatedAt.UTC(),
		ExpiresAt:    rec.ExpiresAt.UTC(),
		Used:         rec.Used,
		UsedAt:       rec.UsedAt,
		RedeemedBy:   rec.RedeemedBy,
		RedemptionID: rec.RedemptionID,
		Metadata:     string(meta),
		PurgeAt:      s.now().Add(ttl),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

func (s *SQLStore) Get(ctx context.Context, token string) (*Record, error) {
	var row tokenRow
	err := s.db.WithContext(ctx).
		Where("token = ? AND purge_at > ?", token, s.now()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.record()
}

func (s *SQLStore) Delete(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Where("token = ?", token).Delete(&tokenRow{}).Error
}

func (s *SQLStore) Claim(ctx context.Context, token string, c Claim, ttl time.Duration) (*Record, error) {
	now := s.now()
	usedAt := c.At.UTC()
	res := s.db.WithContext(ctx).Model(&tokenRow{}).
		Where("token = ? AND used = ? AND purge_at > ?", token, false, now).
		Updates(map[string]any{
			"used":          true,
			"used_at":       usedAt,
			"redeemed_by":   c.RedeemedBy,
			"redemption_id": c.ID.String(),
			"purge_at":      now.Add(ttl),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	rec, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 || rec.RedemptionID != c.ID.String() {
		return nil, ErrUsed
	}
	return rec, nil
}

// Sweep deletes every row whose lifetime has elapsed.
func (s *SQLStore) Sweep(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("purge_at <= ?", s.now()).Delete(&tokenRow{})
	return res.RowsAffected, res.Error
}

func (s *SQLStore) sweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	deleted, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("token sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("token sweep removed expired records", "deleted", deleted)
	}
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

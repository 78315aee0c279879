package outbox

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"synthmargin/core/events"
)

// Message is one committed notification awaiting delivery.
type Message struct {
	Seq         uint64    `gorm:"primaryKey;autoIncrement"`
	ID          uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Type        string    `gorm:"size:64;index"`
	Asset       string    `gorm:"size:32;index"`
	Account     string    `gorm:"size:96;index"`
	Payload     string    `gorm:"type:text"`
	Fingerprint string    `gorm:"size:64;index"`
	CreatedAt   time.Time
	PublishedAt *time.Time `gorm:"index"`
}

// TableName pins the table name across drivers.
func (Message) TableName() string { return "outbox_messages" }

// Attributes decodes the payload into the notification attribute map.
func (m Message) Attributes() (map[string]string, error) {
	attrs := map[string]string{}
	if strings.TrimSpace(m.Payload) == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(m.Payload), &attrs); err != nil {
		return nil, fmt.Errorf("outbox: decode payload %s: %w", m.ID, err)
	}
	return attrs, nil
}

// Outbox records committed engine notifications in a SQL table. It satisfies
// events.Emitter.
type Outbox struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Dialector picks the gorm driver for dsn. postgres:// and postgresql://
// select Postgres; anything else is treated as a SQLite DSN.
func Dialector(dsn string) gorm.Dialector {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return postgres.Open(trimmed)
	}
	return sqlite.Open(trimmed)
}

// Open connects to dsn and migrates the outbox table.
func Open(dsn string, log *slog.Logger) (*Outbox, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("outbox: dsn required")
	}
	db, err := gorm.Open(Dialector(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("outbox: open: %w", err)
	}
	return New(db, log)
}

// New wraps an existing connection and migrates the outbox table.
func New(db *gorm.DB, log *slog.Logger) (*Outbox, error) {
	if db == nil {
		return nil, errors.New("outbox: nil database")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Message{}); err != nil {
		return nil, fmt.Errorf("outbox: migrate: %w", err)
	}
	return &Outbox{db: db, logger: log, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (o *Outbox) Close() error {
	if o == nil || o.db == nil {
		return nil
	}
	sqlDB, err := o.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. Write failures are logged; the engine has
// already committed by the time notifications are emitted.
func (o *Outbox) Emit(evt events.Event) {
	if o == nil || evt == nil {
		return
	}
	if _, err := o.Append(context.Background(), evt); err != nil {
		o.logger.Error("outbox append failed",
			slog.String("type", evt.EventType()),
			slog.String("error", err.Error()))
	}
}

// Append stores evt and returns the persisted message.
func (o *Outbox) Append(ctx context.Context, evt events.Event) (Message, error) {
	typed, ok := evt.(events.Typed)
	if !ok {
		return Message{}, fmt.Errorf("outbox: event %s has no broadcast form", evt.EventType())
	}
	rendered := typed.Event()
	payload, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return Message{}, fmt.Errorf("outbox: encode payload: %w", err)
	}
	msg := Message{
		ID:          uuid.New(),
		Type:        rendered.Type,
		Asset:       rendered.Attributes["asset"],
		Account:     rendered.Attributes["account"],
		Payload:     string(payload),
		Fingerprint: Fingerprint(rendered.Type, rendered.Attributes),
		CreatedAt:   o.now().UTC(),
	}
	if err := o.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return Message{}, fmt.Errorf("outbox: insert: %w", err)
	}
	return msg, nil
}

// Pending returns up to limit unpublished messages in commit order.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var msgs []Message
	err := o.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("seq ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: pending: %w", err)
	}
	return msgs, nil
}

// MarkPublished stamps the messages with the publication time.
func (o *Outbox) MarkPublished(ctx context.Context, seqs []uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	now := o.now().UTC()
	err := o.db.WithContext(ctx).
		Model(&Message{}).
		Where("seq IN ?", seqs).
		Update("published_at", now).Error
	if err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	return nil
}

// Since lists published messages with a sequence above cursor so new stream
// subscribers can catch up. Pending rows are left to the relay.
func (o *Outbox) Since(ctx context.Context, cursor uint64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var msgs []Message
	err := o.db.WithContext(ctx).
		Where("seq > ? AND published_at IS NOT NULL", cursor).
		Order("seq ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: since: %w", err)
	}
	return msgs, nil
}

// Fingerprint is a stable content digest of a notification used by consumers
// to drop duplicates.
func Fingerprint(eventType string, attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hasher := blake3.New(32, nil)
	_, _ = hasher.Write([]byte(eventType))
	for _, k := range keys {
		_, _ = hasher.Write([]byte{0})
		_, _ = hasher.Write([]byte(k))
		_, _ = hasher.Write([]byte{'='})
		_, _ = hasher.Write([]byte(attrs[k]))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

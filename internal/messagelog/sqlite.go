package messagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// messageRecord is the messages table row.
type messageRecord struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement"`
	ID        string    `gorm:"size:36;uniqueIndex;not null"`
	Room      string    `gorm:"size:128;index;not null"`
	Author    string    `gorm:"size:64;not null"`
	Text      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for messageRecord.
func (messageRecord) TableName() string {
	return "messages"
}

func (r messageRecord) message() Message {
	return Message{
		ID:        r.ID,
		Room:      r.Room,
		Author:    r.Author,
		Text:      r.Text,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// SQLiteLog persists messages in a SQLite database through gorm.
type SQLiteLog struct {
	db     *gorm.DB
	clock  *clock
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// the messages table.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteLog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %q: %w", path, err)
	}
	return NewSQLiteLog(db, logger)
}

// NewSQLiteLog wraps an open gorm database.
func NewSQLiteLog(db *gorm.DB, logger zerolog.Logger) (*SQLiteLog, error) {
	if err := db.AutoMigrate(&messageRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate messages table: %w", err)
	}
	logger.Info().Msg("SQLite message log ready")
	return &SQLiteLog{db: db, clock: newClock(), logger: logger}, nil
}

// Append inserts a message row.
func (l *SQLiteLog) Append(ctx context.Context, room, author, text string) (Message, error) {
	rec := messageRecord{
		ID:        uuid.NewString(),
		Room:      room,
		Author:    author,
		Text:      text,
		CreatedAt: l.clock.next(),
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return rec.message(), nil
}

// Recent selects the newest limit rows of room and returns them oldest first.
func (l *SQLiteLog) Recent(ctx context.Context, room string, limit int) ([]Message, error) {
	var recs []messageRecord
	q := l.db.WithContext(ctx).Where("room = ?", room).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	// rows arrive newest first
	msgs := make([]Message, len(recs))
	for i, rec := range recs {
		msgs[len(recs)-1-i] = rec.message()
	}
	return msgs, nil
}

// Close closes the underlying connection pool.
func (l *SQLiteLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

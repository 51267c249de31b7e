package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"gorm.io/gorm"

	"github.com/basui-labs/dialogos/internal/sanitize"
)

// messageRow is the gorm model backing the messages table, grounded on
// original_source/core/queue.py's SQLiteQueue schema.
type messageRow struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	Sender         string `gorm:"not null"`
	Content        string `gorm:"not null"`
	Timestamp      time.Time
	Tokens         int
	Model          string
	Turn           int
	ResponseTimeMs int64
	Fingerprint    string
	Seed           bool
}

func (messageRow) TableName() string { return "messages" }

// metadataRow is a single-row table holding the conversation metadata bag.
type metadataRow struct {
	ID                uint `gorm:"primaryKey"`
	TotalTurns        int
	PerSenderTurnsRaw string // JSON-encoded map[string]int
	TotalTokens       int
	Terminated        bool
	TerminationReason string
	TerminationAt     *time.Time
	CreatedAt         time.Time
}

func (metadataRow) TableName() string { return "conversation_metadata" }

// SQLiteStore is the embedded, single-process file-backed Transcript Store.
// A single advisory file lock co-located with the data file serializes all
// mutating operations, per spec §4.1/§5.
type SQLiteStore struct {
	db               *gorm.DB
	lockPath         string
	maxMessageLength int
	logger           *zap.Logger

	mu       sync.Mutex // serializes mutations within this process
	lockFile *os.File
}

// NewSQLiteStore opens (creating if absent) the SQLite-backed store at
// path, and its co-located ".lock" advisory lock file.
func NewSQLiteStore(path string, maxMessageLength int, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxMessageLength <= 0 {
		maxMessageLength = 100000
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, &Error{Kind: ErrKindStoreUnavailable, Detail: "open sqlite store", Cause: err}
	}
	if err := db.AutoMigrate(&messageRow{}, &metadataRow{}); err != nil {
		return nil, &Error{Kind: ErrKindStoreUnavailable, Detail: "migrate sqlite schema", Cause: err}
	}

	var count int64
	db.Model(&metadataRow{}).Count(&count)
	if count == 0 {
		row := metadataRow{ID: 1, PerSenderTurnsRaw: "{}", CreatedAt: time.Now().UTC()}
		if err := db.Create(&row).Error; err != nil {
			return nil, &Error{Kind: ErrKindStoreUnavailable, Detail: "init metadata row", Cause: err}
		}
	}

	lockPath := path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &Error{Kind: ErrKindStoreUnavailable, Detail: "open lock file", Cause: err}
	}

	return &SQLiteStore{
		db:               db,
		lockPath:         lockPath,
		maxMessageLength: maxMessageLength,
		logger:           logger,
		lockFile:         lockFile,
	}, nil
}

// withLock acquires the exclusive advisory file lock for the duration of
// fn's execution, matching spec §5's "lock held for the entire
// read-modify-write of each operation".
func (s *SQLiteStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := unix.Flock(int(s.lockFile.Fd()), unix.LOCK_EX); err != nil {
		return &Error{Kind: ErrKindTransient, Detail: "acquire file lock", Cause: err}
	}
	defer unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)

	return fn()
}

func (s *SQLiteStore) Append(ctx context.Context, sender, content string, meta MessageMetadata, opts AppendOptions) (Message, error) {
	sender = sanitize.Sender(sender)
	if sender == "" {
		return Message{}, &Error{Kind: ErrKindInvalidInput, Detail: "sender is empty"}
	}
	if len(content) < 1 || len(content) > s.maxMessageLength {
		return Message{}, &Error{Kind: ErrKindInvalidInput, Detail: fmt.Sprintf("content length %d out of [1,%d]", len(content), s.maxMessageLength)}
	}

	var result Message
	err := s.withLock(func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			if opts.HasExpectation {
				last, ok, err := lastSenderTx(tx)
				if err != nil {
					return err
				}
				if ok && last != opts.ExpectLastSender {
					return &Error{Kind: ErrKindTurnViolation, Detail: fmt.Sprintf("expected last sender %q, got %q", opts.ExpectLastSender, last)}
				}
			}

			row := messageRow{
				Sender:         sender,
				Content:        content,
				Timestamp:      time.Now().UTC(),
				Tokens:         meta.Tokens,
				Model:          meta.Model,
				Turn:           meta.Turn,
				ResponseTimeMs: meta.ResponseTimeMs,
				Fingerprint:    meta.Fingerprint,
				Seed:           meta.Seed,
			}
			if err := tx.Create(&row).Error; err != nil {
				return &Error{Kind: ErrKindTransient, Detail: "insert message", Cause: err}
			}

			var mrow metadataRow
			if err := tx.First(&mrow, 1).Error; err != nil {
				return &Error{Kind: ErrKindTransient, Detail: "load metadata", Cause: err}
			}
			perSender := map[string]int{}
			_ = json.Unmarshal([]byte(mrow.PerSenderTurnsRaw), &perSender)
			perSender[sender]++
			raw, _ := json.Marshal(perSender)

			mrow.TotalTurns++
			mrow.PerSenderTurnsRaw = string(raw)
			mrow.TotalTokens += meta.Tokens
			if err := tx.Model(&metadataRow{}).Where("id = 1").Updates(map[string]any{
				"total_turns":          mrow.TotalTurns,
				"per_sender_turns_raw": mrow.PerSenderTurnsRaw,
				"total_tokens":         mrow.TotalTokens,
			}).Error; err != nil {
				return &Error{Kind: ErrKindTransient, Detail: "update metadata", Cause: err}
			}

			result = Message{
				ID:        row.ID,
				Sender:    row.Sender,
				Content:   row.Content,
				Timestamp: row.Timestamp,
				Metadata:  meta,
			}
			return nil
		})
	})
	if err != nil {
		return Message{}, err
	}
	return result, nil
}

func (s *SQLiteStore) Context(ctx context.Context, limit int) ([]Message, error) {
	if limit < 1 {
		limit = 10
	}
	var rows []messageRow
	if err := s.db.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, &Error{Kind: ErrKindTransient, Detail: "read context", Cause: err}
	}
	messages := make([]Message, len(rows))
	for i, row := range rows {
		messages[len(rows)-1-i] = rowToMessage(row)
	}
	return messages, nil
}

func rowToMessage(row messageRow) Message {
	return Message{
		ID:        row.ID,
		Sender:    row.Sender,
		Content:   row.Content,
		Timestamp: row.Timestamp,
		Metadata: MessageMetadata{
			Tokens:         row.Tokens,
			Model:          row.Model,
			Turn:           row.Turn,
			ResponseTimeMs: row.ResponseTimeMs,
			Fingerprint:    row.Fingerprint,
			Seed:           row.Seed,
		},
	}
}

func lastSenderTx(tx *gorm.DB) (string, bool, error) {
	var row messageRow
	err := tx.Order("id desc").First(&row).Error
	if err != nil {
		if strings.Contains(err.Error(), "record not found") {
			return "", false, nil
		}
		return "", false, &Error{Kind: ErrKindTransient, Detail: "read last sender", Cause: err}
	}
	return row.Sender, true, nil
}

func (s *SQLiteStore) LastSender(ctx context.Context) (string, bool, error) {
	return lastSenderTx(s.db)
}

func (s *SQLiteStore) MarkTerminated(ctx context.Context, reason string) error {
	return s.withLock(func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var mrow metadataRow
			if err := tx.First(&mrow, 1).Error; err != nil {
				return &Error{Kind: ErrKindTransient, Detail: "load metadata", Cause: err}
			}
			if mrow.Terminated {
				return nil // first-reason wins
			}
			now := time.Now().UTC()
			return tx.Model(&metadataRow{}).Where("id = 1").Updates(map[string]any{
				"terminated":         true,
				"termination_reason": reason,
				"termination_at":     now,
			}).Error
		})
	})
}

func (s *SQLiteStore) Terminated(ctx context.Context) (bool, error) {
	meta, err := s.Metadata(ctx)
	if err != nil {
		return false, err
	}
	return meta.Terminated, nil
}

func (s *SQLiteStore) TerminationReason(ctx context.Context) (string, bool, error) {
	meta, err := s.Metadata(ctx)
	if err != nil {
		return "", false, err
	}
	if !meta.Terminated {
		return "", false, nil
	}
	return meta.TerminationReason, true, nil
}

func (s *SQLiteStore) Metadata(ctx context.Context) (Metadata, error) {
	var mrow metadataRow
	if err := s.db.First(&mrow, 1).Error; err != nil {
		return Metadata{}, &Error{Kind: ErrKindTransient, Detail: "load metadata", Cause: err}
	}
	perSender := map[string]int{}
	_ = json.Unmarshal([]byte(mrow.PerSenderTurnsRaw), &perSender)

	m := Metadata{
		TotalTurns:        mrow.TotalTurns,
		PerSenderTurns:    perSender,
		TotalTokens:       mrow.TotalTokens,
		Terminated:        mrow.Terminated,
		TerminationReason: mrow.TerminationReason,
		CreatedAt:         mrow.CreatedAt,
	}
	if mrow.TerminationAt != nil {
		m.TerminationAt = *mrow.TerminationAt
	}
	return m, nil
}

func (s *SQLiteStore) Health(ctx context.Context) (HealthStatus, error) {
	status := HealthStatus{}

	if err := s.db.Exec("SELECT 1").Error; err == nil {
		status.Backend = true
	}

	// Non-blocking probe: try a non-exclusive lock attempt without holding it.
	if err := unix.Flock(int(s.lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err == nil {
		status.Lock = true
		_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	}

	status.Healthy = status.Backend && status.Lock
	return status, nil
}

func (s *SQLiteStore) Close() error {
	s.lockFile.Close()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

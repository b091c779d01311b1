// Package history хранит результаты классификации пользователей.
package history

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"moodvoice/internal/logger"
)

// ErrNotFound запись не найдена или принадлежит другому пользователю
var ErrNotFound = errors.New("history record not found")

// Record результат одной классификации
type Record struct {
	ID            string             `msgpack:"id" json:"id"`
	Username      string             `msgpack:"username" json:"username"`
	Timestamp     time.Time          `msgpack:"timestamp" json:"timestamp"`
	Filename      string             `msgpack:"filename" json:"filename,omitempty"`
	OverallClass  int                `msgpack:"overall_class" json:"overall_class"`
	ClassLabel    string             `msgpack:"class_label" json:"class_label"`
	Confidence    float64            `msgpack:"confidence" json:"confidence"`
	Probabilities map[string]float64 `msgpack:"probabilities" json:"probabilities"`
	TotalSegments int                `msgpack:"total_segments" json:"total_segments"`
}

// Options параметры хранилища
type Options struct {
	Dir      string
	InMemory bool
	Logger   *zap.Logger
}

// Store хранилище истории на BadgerDB.
// Ключи: u/<user>/<обратное время>/<id> → запись, i/<id> → ключ записи.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Open открывает хранилище
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("history: dir is required for on-disk mode")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(logger.NewBadger(opts.Logger))

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	opts.Logger.Info("history store opened", zap.String("dir", opts.Dir), zap.Bool("in_memory", opts.InMemory))
	return &Store{db: db, logger: opts.Logger.Named("history")}, nil
}

func userPrefix(username string) []byte {
	return []byte("u/" + url.PathEscape(username) + "/")
}

func recordKey(r *Record) []byte {
	// Обратное время: новые записи идут первыми при прямой итерации
	rev := uint64(math.MaxInt64 - r.Timestamp.UnixNano())
	return append(userPrefix(r.Username), []byte(fmt.Sprintf("%020d/%s", rev, r.ID))...)
}

func idKey(id string) []byte {
	return []byte("i/" + id)
}

// Save сохраняет запись. Пустые ID и Timestamp заполняются.
func (s *Store) Save(r *Record) error {
	if r.Username == "" {
		return errors.New("history: username is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	value, err := msgpack.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	key := recordKey(r)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(idKey(r.ID), key)
	})
}

// Get возвращает запись пользователя по ID
func (s *Store) Get(id, username string) (*Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(id))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	if rec.Username != username {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// ListByUser возвращает записи пользователя новее since, от новых к старым.
// limit <= 0 означает без ограничения.
func (s *Store) ListByUser(username string, since time.Time, limit int) ([]Record, error) {
	prefix := userPrefix(username)
	var records []Record

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.Timestamp.Before(since) {
				break
			}
			records = append(records, rec)
			if limit > 0 && len(records) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return records, nil
}

// Prune удаляет записи старше before. Возвращает количество удалённых.
func (s *Store) Prune(before time.Time) (int, error) {
	var stale [][]byte
	var ids []string

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("u/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.Timestamp.Before(before) {
				stale = append(stale, it.Item().KeyCopy(nil))
				ids = append(ids, rec.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan records: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
		if err := wb.Delete(idKey(ids[i])); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to prune records: %w", err)
	}

	if len(stale) > 0 {
		s.logger.Info("pruned history", zap.Int("records", len(stale)))
	}
	return len(stale), nil
}

// Close закрывает базу
func (s *Store) Close() error {
	return s.db.Close()
}

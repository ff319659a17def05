package markov

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Store is the persistence contract for the word/transition tables. The
// serving path only ever calls LoadAll once at startup; Train is the only
// mutator and runs offline through cmd/markovtrain.
type Store interface {
	LoadAll() ([]Word, []Transition, error)
	AddOrIncrement(prevToken, nextToken string) error
	WordCount() (int64, error)
	EvictLeastFrequent(keep int) error
}

// SQLStore is the gorm-backed Store implementation, usable against either
// driver configured in pkg/config.MarkovDB: sqlite (pure-Go, no cgo) for
// dev/tests, postgres for production.
type SQLStore struct {
	db *gorm.DB
}

// Open opens a SQLStore for the given driver/dsn and runs migrations.
func Open(driver, dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("markov: unsupported db driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("markov: open %s: %w", driver, err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("markov: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// LoadAll returns every word and transition row for building the in-memory
// serving index.
func (s *SQLStore) LoadAll() ([]Word, []Transition, error) {
	var words []Word
	if err := s.db.Find(&words).Error; err != nil {
		return nil, nil, fmt.Errorf("markov: load words: %w", err)
	}
	var transitions []Transition
	if err := s.db.Find(&transitions).Error; err != nil {
		return nil, nil, fmt.Errorf("markov: load transitions: %w", err)
	}
	return words, transitions, nil
}

// AddOrIncrement ensures both tokens exist as words, then increments the
// weight of the prevToken->nextToken transition (creating it at weight 1 if
// it doesn't yet exist). Called once per adjacent token pair during Train.
func (s *SQLStore) AddOrIncrement(prevToken, nextToken string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		prevID, err := upsertWord(tx, prevToken)
		if err != nil {
			return err
		}
		nextID, err := upsertWord(tx, nextToken)
		if err != nil {
			return err
		}

		var t Transition
		err = tx.Where("prev_id = ? AND next_id = ?", prevID, nextID).First(&t).Error
		switch {
		case err == nil:
			return tx.Model(&t).Update("weight", gorm.Expr("weight + 1")).Error
		case err == gorm.ErrRecordNotFound:
			return tx.Create(&Transition{PrevID: prevID, NextID: nextID, Weight: 1}).Error
		default:
			return err
		}
	})
}

func upsertWord(tx *gorm.DB, token string) (uint64, error) {
	if token == "" {
		return SentinelID, nil
	}
	var w Word
	err := tx.Where("token = ?", token).First(&w).Error
	switch {
	case err == nil:
		return w.ID, nil
	case err == gorm.ErrRecordNotFound:
		w = Word{Token: token}
		if err := tx.Create(&w).Error; err != nil {
			return 0, err
		}
		return w.ID, nil
	default:
		return 0, err
	}
}

// WordCount returns the number of distinct words currently stored,
// excluding the sentinel.
func (s *SQLStore) WordCount() (int64, error) {
	var n int64
	err := s.db.Model(&Word{}).Where("id != ?", SentinelID).Count(&n).Error
	return n, err
}

// EvictLeastFrequent deletes the least-used words (by total outgoing
// transition weight) until at most keep distinct words remain, enforcing
// Config.Markov.MaxDistinctWords. Their transitions cascade-delete with
// them.
func (s *SQLStore) EvictLeastFrequent(keep int) error {
	count, err := s.WordCount()
	if err != nil {
		return err
	}
	if count <= int64(keep) {
		return nil
	}
	toEvict := count - int64(keep)

	return s.db.Transaction(func(tx *gorm.DB) error {
		var victims []uint64
		err := tx.Raw(`
			SELECT w.id FROM words w
			LEFT JOIN (
				SELECT prev_id AS id, SUM(weight) AS total FROM transitions GROUP BY prev_id
			) agg ON agg.id = w.id
			WHERE w.id != ?
			ORDER BY COALESCE(agg.total, 0) ASC
			LIMIT ?
		`, SentinelID, toEvict).Scan(&victims).Error
		if err != nil {
			return err
		}
		if len(victims) == 0 {
			return nil
		}
		if err := tx.Where("prev_id IN ? OR next_id IN ?", victims, victims).Delete(&Transition{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", victims).Delete(&Word{}).Error
	})
}

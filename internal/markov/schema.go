// Package markov is the prose backend for tarpit pages: a tiny Markov chain
// trained offline (cmd/markovtrain) and served read-only from an in-memory
// index built once at startup. Schema and migration style follow the gorm +
// gormigrate idiom the example pack's VPN coordination server uses for its
// own small, typed tables.
package markov

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// Word is a distinct token in the chain. ID 1 is reserved as the sentinel
// (start-of-sentence / end-of-sentence marker); it is seeded by the first
// migration and never reused for an ordinary word.
type Word struct {
	ID    uint64 `gorm:"primaryKey;autoIncrement"`
	Token string `gorm:"uniqueIndex;not null"`
}

// SentinelID is the reserved word id marking sentence boundaries.
const SentinelID uint64 = 1

// SentinelToken is the token stored at SentinelID: the empty string, matching
// upsertWord's own treatment of "" as the sentinel input.
const SentinelToken = ""

// Transition is a weighted edge prevID -> nextID; the composite primary key
// makes repeated training runs additive (Train increments Weight in place
// instead of inserting duplicate rows).
type Transition struct {
	PrevID uint64 `gorm:"primaryKey;column:prev_id"`
	NextID uint64 `gorm:"primaryKey;column:next_id"`
	Weight int64  `gorm:"not null;default:1"`
}

func (Word) TableName() string       { return "words" }
func (Transition) TableName() string { return "transitions" }

// migrations is the ordered gormigrate history. New migrations are always
// appended, never edited in place, once they have shipped.
func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "202601010001_create_words_and_transitions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Word{}, &Transition{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&Transition{}, &Word{})
			},
		},
		{
			ID: "202601010002_seed_sentinel_word",
			Migrate: func(tx *gorm.DB) error {
				return tx.FirstOrCreate(&Word{ID: SentinelID, Token: SentinelToken}, Word{ID: SentinelID}).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Delete(&Word{}, SentinelID).Error
			},
		},
	}
}

// migrate runs every pending migration in order. Idempotent: re-running it
// against an already-migrated database is a no-op.
func migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, migrations())
	return m.Migrate()
}

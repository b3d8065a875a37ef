package ledger

import (
	"github.com/trogers1052/portfolio-service/internal/logging"
	"github.com/trogers1052/portfolio-service/internal/models"
)

// journalBuffer is how many applied transactions may wait for the journal
// before ApplyTransaction blocks
const journalBuffer = 256

// Journal receives every applied transaction together with the resulting
// position. A zero amount in after means the position was removed.
type Journal interface {
	RecordTransaction(tx models.Transaction, after models.Position) error
}

type journalEntry struct {
	tx    models.Transaction
	after models.Position
}

// journalQueue delivers entries to the journal in application order on a
// single goroutine, so a slow store never holds the ledger lock
type journalQueue struct {
	journal Journal
	logger  *logging.Logger
	entries chan journalEntry
	done    chan struct{}
}

func newJournalQueue(j Journal, logger *logging.Logger) *journalQueue {
	q := &journalQueue{
		journal: j,
		logger:  logger,
		entries: make(chan journalEntry, journalBuffer),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *journalQueue) enqueue(e journalEntry) {
	q.entries <- e
}

func (q *journalQueue) run() {
	defer close(q.done)
	for e := range q.entries {
		if err := q.journal.RecordTransaction(e.tx, e.after); err != nil {
			// the in-memory ledger stays authoritative
			q.logger.Error().
				Err(err).
				Str("transaction_id", e.tx.ID).
				Str("instrument_id", e.tx.InstrumentID).
				Msg("Failed to journal transaction")
		}
	}
}

// close drains pending entries and waits for the journal to finish
func (q *journalQueue) close() {
	close(q.entries)
	<-q.done
}

package pager

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Crash recovery
// ───────────────────────────────────────────────────────────────────────────
//
// Recovery reads the circular WAL region from its start and replays only
// transactions with a COMMIT record (commit-gated replay): every page write
// record for an uncommitted or aborted transaction is discarded, regardless
// of how far it got written to the log. An orphan COMMIT — one with no
// matching BEGIN, which can happen if the BEGIN record itself was wrapped
// over by a prior checkpoint reset — is still honored, since the write
// records carrying its TxID are sufficient to identify the work to replay.
// A record with a payload of the wrong length for the page size is treated
// as a torn write at the tail of the log and simply skipped.

// Recover replays the WAL region and applies committed transactions' page
// writes to the main file.
func (p *Pager) Recover() error {
	records, err := p.wal.ReadRegion()
	if err != nil {
		return fmt.Errorf("recover read WAL: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	committed := make(map[TxID]bool)
	var maxLSN LSN
	var maxTxID TxID

	for _, rec := range records {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}
		if rec.Type == WALRecordCommit {
			committed[rec.TxID] = true
		}
	}

	// Apply in the records' natural file/LSN order rather than grouped by
	// transaction: the superblock (page 0) can be written by more than one
	// committed transaction now that PersistSuperblock routes it through the
	// ordinary WritePage path, and a later commit's superblock image must
	// win over an earlier one. Grouping by TxID first (e.g. via a Go map)
	// would make that ordering nondeterministic.
	applied := 0
	touchedSuperblock := false
	for _, rec := range records {
		if rec.Type != WALRecordPut || !committed[rec.TxID] {
			continue
		}
		if len(rec.Payload) != p.pageSize {
			continue // torn write at the log tail; skip
		}
		if err := p.writePageRaw(rec.PageID, rec.Payload); err != nil {
			return fmt.Errorf("recover apply page %d: %w", rec.PageID, err)
		}
		if rec.PageID == 0 {
			touchedSuperblock = true
		}
		applied++
	}

	if applied > 0 {
		if err := p.file.Sync(); err != nil {
			return err
		}
	}

	if touchedSuperblock {
		// A replayed commit overwrote the superblock with a newer image
		// (e.g. updated index roots after a B-tree split): reload it rather
		// than re-marshaling the stale pre-replay copy over it.
		sb, err := p.readSuperblock()
		if err != nil {
			return fmt.Errorf("recover reload superblock: %w", err)
		}
		p.sb = sb
	}

	p.sb.LastWALLSN = maxLSN
	if maxTxID+1 > p.sb.NextTxnID {
		p.sb.NextTxnID = maxTxID + 1
	}
	sbBuf := MarshalSuperblock(p.sb, p.pageSize)
	if err := p.writePageRaw(0, sbBuf); err != nil {
		return fmt.Errorf("recover superblock: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return err
	}

	return p.wal.Reset()
}

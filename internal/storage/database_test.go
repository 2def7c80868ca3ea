package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ensotriple/internal/storage/pager"
)

func testConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.PageSize = pager.DefaultPageSize
	cfg.NodeID = 1
	return cfg
}

func mustEntity(t *testing.T, s string) EntityID {
	t.Helper()
	var id EntityID
	copy(id[:], s)
	return id
}

func mustAttr(t *testing.T, s string) AttributeID {
	t.Helper()
	var id AttributeID
	copy(id[:], s)
	return id
}

func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triples.db")

	db, err := Create(path, testConfig())
	require.NoError(t, err)

	_, err = Create(path, testConfig())
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	require.Equal(t, KindAlreadyExists, storageErr.Kind)

	entity := mustEntity(t, "user1")
	attr := mustAttr(t, "name")

	txn, err := db.BeginWrite()
	require.NoError(t, err)
	hlc := db.Clock().Tick()
	accepted, _, err := txn.Insert(entity, attr, StringValue("Alice"), hlc)
	require.NoError(t, err)
	require.True(t, accepted)
	require.NoError(t, txn.Commit())
	require.NoError(t, db.Close())

	reopened, err := Open(path, testConfig())
	require.NoError(t, err)
	defer reopened.Close()

	snap, err := reopened.BeginReadOnly()
	require.NoError(t, err)
	rec, found, err := snap.Get(entity, attr)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Alice", rec.Value.Str)
}

// TestInsertHLCNewerWins covers S1: an incoming HLC strictly greater than
// the stored one overwrites the value.
func TestInsertHLCNewerWins(t *testing.T) {
	db := newTestDB(t)
	entity, attr := mustEntity(t, "e1"), mustAttr(t, "a1")

	txn, err := db.BeginWrite()
	require.NoError(t, err)
	older := db.Clock().Tick()
	accepted, _, err := txn.Insert(entity, attr, NumberValue(1), older)
	require.NoError(t, err)
	require.True(t, accepted)
	require.NoError(t, txn.Commit())

	txn2, err := db.BeginWrite()
	require.NoError(t, err)
	newer := db.Clock().Tick()
	accepted, current, err := txn2.Insert(entity, attr, NumberValue(2), newer)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Equal(t, float64(2), current.Value.Number)
	require.NoError(t, txn2.Commit())
}

// TestInsertHLCOlderLoses covers S2: an incoming HLC strictly less than the
// stored one is rejected and the stored value is unchanged.
func TestInsertHLCOlderLoses(t *testing.T) {
	db := newTestDB(t)
	entity, attr := mustEntity(t, "e1"), mustAttr(t, "a1")

	txn, err := db.BeginWrite()
	require.NoError(t, err)
	newer := db.Clock().Tick()
	_, _, err = txn.Insert(entity, attr, NumberValue(2), newer)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	older := HLC{PhysicalTimeMillis: newer.PhysicalTimeMillis - 1000, NodeID: newer.NodeID}

	txn2, err := db.BeginWrite()
	require.NoError(t, err)
	accepted, current, err := txn2.Insert(entity, attr, NumberValue(99), older)
	require.NoError(t, err)
	require.False(t, accepted)
	require.Equal(t, float64(2), current.Value.Number)
	require.NoError(t, txn2.Commit())
}

// TestInsertHLCEqualRejected covers S3: an incoming HLC equal to the stored
// one is rejected as a no-op.
func TestInsertHLCEqualRejected(t *testing.T) {
	db := newTestDB(t)
	entity, attr := mustEntity(t, "e1"), mustAttr(t, "a1")

	same := HLC{PhysicalTimeMillis: 1000, LogicalCounter: 5, NodeID: 1}

	txn, err := db.BeginWrite()
	require.NoError(t, err)
	_, _, err = txn.Insert(entity, attr, NumberValue(1), same)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn2, err := db.BeginWrite()
	require.NoError(t, err)
	accepted, current, err := txn2.Insert(entity, attr, NumberValue(2), same)
	require.NoError(t, err)
	require.False(t, accepted)
	require.Equal(t, float64(1), current.Value.Number)
	require.NoError(t, txn2.Commit())
}

func TestAbortDiscardsBufferedWrites(t *testing.T) {
	db := newTestDB(t)
	entity, attr := mustEntity(t, "e1"), mustAttr(t, "a1")

	txn, err := db.BeginWrite()
	require.NoError(t, err)
	_, _, err = txn.Insert(entity, attr, StringValue("ghost"), db.Clock().Tick())
	require.NoError(t, err)
	require.NoError(t, txn.Abort())

	txn2, err := db.BeginWrite()
	require.NoError(t, err)
	_, found, err := txn2.Get(entity, attr)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, txn2.Abort())
}

func TestDeleteMarksTombstoneAndGCRemoves(t *testing.T) {
	db := newTestDB(t)
	entity, attr := mustEntity(t, "e1"), mustAttr(t, "a1")

	txn, err := db.BeginWrite()
	require.NoError(t, err)
	_, _, err = txn.Insert(entity, attr, StringValue("v"), db.Clock().Tick())
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn2, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, txn2.Delete(entity, attr))
	require.NoError(t, txn2.Commit())

	snap, err := db.BeginReadOnly()
	require.NoError(t, err)
	_, found, err := snap.Get(entity, attr)
	require.NoError(t, err)
	require.False(t, found)
	snapTxn, _ := snap.Close()
	db.ReleaseSnapshot(snapTxn)

	n, err := db.CollectGarbage(10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, found, err = db.primary.Get(entity, attr)
	require.NoError(t, err)
	require.False(t, found)
}

// TestSnapshotIsolation ensures a snapshot opened before a write does not
// observe that write, matching the begin_readonly pinned-txn contract.
func TestSnapshotIsolation(t *testing.T) {
	db := newTestDB(t)
	entity, attr := mustEntity(t, "e1"), mustAttr(t, "a1")

	txn, err := db.BeginWrite()
	require.NoError(t, err)
	_, _, err = txn.Insert(entity, attr, StringValue("v1"), db.Clock().Tick())
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	snap, err := db.BeginReadOnly()
	require.NoError(t, err)

	txn2, err := db.BeginWrite()
	require.NoError(t, err)
	_, _, err = txn2.Insert(entity, attr, StringValue("v2"), db.Clock().Tick())
	require.NoError(t, err)
	require.NoError(t, txn2.Commit())

	rec, found, err := snap.Get(entity, attr)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", rec.Value.Str)

	snapTxn, _ := snap.Close()
	db.ReleaseSnapshot(snapTxn)
}

// TestOverflowValueRoundTrip covers S8: a value large enough to require an
// overflow chain survives a write/read round trip.
func TestOverflowValueRoundTrip(t *testing.T) {
	db := newTestDB(t)
	entity, attr := mustEntity(t, "e1"), mustAttr(t, "a1")

	big := make([]byte, 20000)
	for i := range big {
		big[i] = byte('a' + i%26)
	}

	txn, err := db.BeginWrite()
	require.NoError(t, err)
	_, _, err = txn.Insert(entity, attr, StringValue(string(big)), db.Clock().Tick())
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	snap, err := db.BeginReadOnly()
	require.NoError(t, err)
	rec, found, err := snap.Get(entity, attr)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, string(big), rec.Value.Str)
	snapTxn, _ := snap.Close()
	db.ReleaseSnapshot(snapTxn)
}

func TestChangesSinceOrdersByHLC(t *testing.T) {
	db := newTestDB(t)

	var hlcs []HLC
	for i, name := range []string{"e1", "e2", "e3"} {
		txn, err := db.BeginWrite()
		require.NoError(t, err)
		h := db.Clock().Tick()
		hlcs = append(hlcs, h)
		_, _, err = txn.Insert(mustEntity(t, name), mustAttr(t, "a"), NumberValue(float64(i)), h)
		require.NoError(t, err)
		require.NoError(t, txn.Commit())
	}

	changes, err := db.ChangesSince(hlcs[1])
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.True(t, changes[0].CreatedHLC.Compare(changes[1].CreatedHLC) <= 0)
}

// TestCrashRecoveryDiscardsUncommittedTransaction covers S7: a transaction
// whose page writes reached the WAL but whose COMMIT record never did (the
// crash-before-commit case) must not surface after reopening, while an
// already-committed transaction must. The first handle is deliberately
// never closed or checkpointed — reopening it is the crash simulation.
func TestCrashRecoveryDiscardsUncommittedTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triples.db")
	db, err := Create(path, testConfig())
	require.NoError(t, err)

	entity1, attr1 := mustEntity(t, "e1"), mustAttr(t, "a1")
	txn1, err := db.BeginWrite()
	require.NoError(t, err)
	_, _, err = txn1.Insert(entity1, attr1, StringValue("v1"), db.Clock().Tick())
	require.NoError(t, err)
	require.NoError(t, txn1.Commit())

	// Apply a second transaction's effects directly against the indices
	// under its own txID, exactly as WriteTxn.Commit would, but never call
	// CommitTx — its page writes land in the WAL with no following COMMIT
	// record, matching a crash partway through Commit.
	entity2, attr2 := mustEntity(t, "e2"), mustAttr(t, "a2")
	txID2, err := db.pager.BeginTx()
	require.NoError(t, err)
	rec2 := NewTripleRecord(entity2, attr2, txID2, db.Clock().Tick(), StringValue("ghost"))
	require.NoError(t, db.primary.Insert(txID2, rec2))

	reopened, err := Open(path, testConfig())
	require.NoError(t, err)
	defer reopened.Close()

	snap, err := reopened.BeginReadOnly()
	require.NoError(t, err)
	defer func() {
		snapTxn, _ := snap.Close()
		reopened.ReleaseSnapshot(snapTxn)
	}()

	_, found, err := snap.Get(entity1, attr1)
	require.NoError(t, err)
	require.True(t, found, "committed transaction must survive a crash")

	_, found, err = snap.Get(entity2, attr2)
	require.NoError(t, err)
	require.False(t, found, "uncommitted transaction must be discarded on recovery")
}

// TestCrashRecoveryPreservesRootAfterSplit covers the durability of a
// B-tree root change across a crash: enough inserts in one committed
// transaction to force at least one leaf split, with no Checkpoint or
// Close on the first handle before reopening, must not lose the new root.
func TestCrashRecoveryPreservesRootAfterSplit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triples.db")
	db, err := Create(path, testConfig())
	require.NoError(t, err)

	const n = 150
	attr := mustAttr(t, "a")
	entities := make([]EntityID, n)

	txn, err := db.BeginWrite()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		entities[i] = mustEntity(t, fmt.Sprintf("entity-%04d", i))
		_, _, err := txn.Insert(entities[i], attr, NumberValue(float64(i)), db.Clock().Tick())
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())

	rootBeforeReopen := db.primary.Root()

	reopened, err := Open(path, testConfig())
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, rootBeforeReopen, reopened.primary.Root(),
		"B-tree root after a split must survive a crash")

	snap, err := reopened.BeginReadOnly()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		rec, found, err := snap.Get(entities[i], attr)
		require.NoError(t, err)
		require.True(t, found, "entity %d must survive crash recovery", i)
		require.Equal(t, float64(i), rec.Value.Number)
	}
	snapTxn, _ := snap.Close()
	reopened.ReleaseSnapshot(snapTxn)
}

func newTestDB(t *testing.T) *Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triples.db")
	db, err := Create(path, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

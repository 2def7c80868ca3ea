package query

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ensotriple/internal/storage"
	"ensotriple/internal/storage/pager"
)

func testConfig() storage.EngineConfig {
	cfg := storage.DefaultEngineConfig()
	cfg.PageSize = pager.DefaultPageSize
	cfg.NodeID = 1
	return cfg
}

func idOf(s string) [16]byte {
	var id [16]byte
	copy(id[:], s)
	return id
}

// seedUsers builds the Alice/Bob/Charlie fixture used throughout the
// original test suite this engine was modeled on: three users with a name,
// two with an age, all three with an active flag.
func seedUsers(t *testing.T) *storage.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triples.db")
	db, err := storage.Create(path, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	name := storage.AttributeID(idOf("name"))
	age := storage.AttributeID(idOf("age"))
	active := storage.AttributeID(idOf("active"))

	type fact struct {
		entity storage.EntityID
		attr   storage.AttributeID
		value  storage.TripleValue
	}
	facts := []fact{
		{storage.EntityID(idOf("user1")), name, storage.StringValue("Alice")},
		{storage.EntityID(idOf("user1")), age, storage.NumberValue(30)},
		{storage.EntityID(idOf("user1")), active, storage.BooleanValue(true)},
		{storage.EntityID(idOf("user2")), name, storage.StringValue("Bob")},
		{storage.EntityID(idOf("user2")), age, storage.NumberValue(25)},
		{storage.EntityID(idOf("user2")), active, storage.BooleanValue(false)},
		{storage.EntityID(idOf("user3")), name, storage.StringValue("Charlie")},
		{storage.EntityID(idOf("user3")), active, storage.BooleanValue(true)},
	}

	txn, err := db.BeginWrite()
	require.NoError(t, err)
	for _, f := range facts {
		_, _, err := txn.Insert(f.entity, f.attr, f.value, db.Clock().Tick())
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())
	return db
}

func withSnapshot(t *testing.T, db *storage.Database, fn func(*Engine)) {
	t.Helper()
	snap, err := db.BeginReadOnly()
	require.NoError(t, err)
	fn(NewEngine(snap))
	txn, _ := snap.Close()
	db.ReleaseSnapshot(txn)
}

func TestSimpleFind(t *testing.T) {
	db := seedUsers(t)
	withSnapshot(t, db, func(e *Engine) {
		q := NewQuery().FindVar("e").FindVar("name").
			Where(NewPattern(VarElem("e"), AttributeElem(storage.AttributeID(idOf("name"))), VarElem("name")))

		result, err := e.Execute(q)
		require.NoError(t, err)
		require.Len(t, result.Rows, 3)
	})
}

func TestConcreteEntityLookup(t *testing.T) {
	db := seedUsers(t)
	withSnapshot(t, db, func(e *Engine) {
		q := NewQuery().FindVar("name").
			Where(NewPattern(
				EntityElem(storage.EntityID(idOf("user1"))),
				AttributeElem(storage.AttributeID(idOf("name"))),
				VarElem("name"),
			))

		result, err := e.Execute(q)
		require.NoError(t, err)
		require.Len(t, result.Rows, 1)
		require.Equal(t, "Alice", result.Rows[0][0].Value.Str)
	})
}

// TestOptionalLeftJoin covers S5: Charlie has no age, so the optional
// pattern should keep his row with an unbound age column rather than
// dropping him.
func TestOptionalLeftJoin(t *testing.T) {
	db := seedUsers(t)
	withSnapshot(t, db, func(e *Engine) {
		nameAttr := storage.AttributeID(idOf("name"))
		ageAttr := storage.AttributeID(idOf("age"))

		q := NewQuery().FindVar("e").FindVar("name").FindVar("age").
			Where(NewPattern(VarElem("e"), AttributeElem(nameAttr), VarElem("name"))).
			Optional(NewPattern(VarElem("e"), AttributeElem(ageAttr), VarElem("age")))

		result, err := e.Execute(q)
		require.NoError(t, err)
		require.Len(t, result.Rows, 3)

		var sawCharlieWithoutAge bool
		for _, row := range result.Rows {
			if row[1] != nil && row[1].Value.Str == "Charlie" {
				require.Nil(t, row[2])
				sawCharlieWithoutAge = true
			}
		}
		require.True(t, sawCharlieWithoutAge)
	})
}

// TestWhereNotAntiJoin covers S6: only Charlie lacks an age, so a where-not
// on the age pattern should return exactly his row.
func TestWhereNotAntiJoin(t *testing.T) {
	db := seedUsers(t)
	withSnapshot(t, db, func(e *Engine) {
		nameAttr := storage.AttributeID(idOf("name"))
		ageAttr := storage.AttributeID(idOf("age"))

		q := NewQuery().FindVar("e").FindVar("name").
			Where(NewPattern(VarElem("e"), AttributeElem(nameAttr), VarElem("name"))).
			WhereNot(NewPattern(VarElem("e"), AttributeElem(ageAttr), VarElem("_age")))

		result, err := e.Execute(q)
		require.NoError(t, err)
		require.Len(t, result.Rows, 1)
		require.Equal(t, "Charlie", result.Rows[0][1].Value.Str)
	})
}

func TestFilterPredicate(t *testing.T) {
	db := seedUsers(t)
	withSnapshot(t, db, func(e *Engine) {
		ageAttr := storage.AttributeID(idOf("age"))

		q := NewQuery().FindVar("e").FindVar("age").
			Where(NewPattern(VarElem("e"), AttributeElem(ageAttr), VarElem("age"))).
			Filter(Filter{
				Selector: Var("age"),
				Predicate: func(d *Datom) bool {
					return d != nil && d.Kind == DatomValue && d.Value.Number > 26
				},
			})

		result, err := e.Execute(q)
		require.NoError(t, err)
		require.Len(t, result.Rows, 1)
	})
}

func TestValueLiteralMatch(t *testing.T) {
	db := seedUsers(t)
	withSnapshot(t, db, func(e *Engine) {
		nameAttr := storage.AttributeID(idOf("name"))

		q := NewQuery().FindVar("e").
			Where(NewPattern(VarElem("e"), AttributeElem(nameAttr), ValueElem(storage.StringValue("Bob"))))

		result, err := e.Execute(q)
		require.NoError(t, err)
		require.Len(t, result.Rows, 1)
	})
}

func TestEmptyResult(t *testing.T) {
	db := seedUsers(t)
	withSnapshot(t, db, func(e *Engine) {
		nameAttr := storage.AttributeID(idOf("name"))

		q := NewQuery().FindVar("e").
			Where(NewPattern(VarElem("e"), AttributeElem(nameAttr), ValueElem(storage.StringValue("Nobody"))))

		result, err := e.Execute(q)
		require.NoError(t, err)
		require.True(t, result.IsEmpty())
	})
}

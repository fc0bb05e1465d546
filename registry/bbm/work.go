package bbm

import (
	"context"
	"fmt"

	"github.com/tigrisdata/batchmigrate/registry/datastore"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
)

// WorkFunc applies a transformation to the keys of r. It may run more than once for the same range, so it must be
// idempotent.
type WorkFunc func(ctx context.Context, db datastore.Handler, r models.Range) error

// Work represents the underlying functions that a Background Migration job is capable of executing.
type Work struct {
	// Name must correspond to the `name` column of the `batched_migrations` table.
	Name string
	// Do is the work function that is assigned to a job.
	Do WorkFunc
}

// AllWork is a list of all background migration work functions known to batchmigrate.
// A migration can only be created for a name listed here, otherwise it fails with an `ErrWorkFunctionNotFound`.
func AllWork() []Work {
	// nolint: revive // enforce-slice-style
	return []Work{
		// {Name: "ExampleNameThatMatchesTheMigrationName", Do: ExampleDoFunction}
		{Name: "noop", Do: noop},
		{Name: "analyze", Do: analyzeRange},
	}
}

func noop(context.Context, datastore.Handler, models.Range) error {
	return nil
}

// analyzeRange counts the keys of r server side without reading or writing any table. It exercises the engine end to
// end against any database.
func analyzeRange(ctx context.Context, db datastore.Handler, r models.Range) error {
	var n int64
	q := `SELECT count(*) FROM generate_series($1::bigint, $2::bigint - 1)`
	if err := db.QueryRowContext(ctx, q, r.Min, r.Max).Scan(&n); err != nil {
		return fmt.Errorf("scanning range %s: %w", r, err)
	}
	if n != r.Size() {
		return fmt.Errorf("scanned %d keys in range %s, expected %d", n, r, r.Size())
	}
	return nil
}

// RegisterWork registers all known work functions to the Background Migration worker.
func RegisterWork(work []Work) (map[string]Work, error) {
	return makeWorkMap(work)
}

func makeWorkMap(work []Work) (map[string]Work, error) {
	workMap := make(map[string]Work, len(work))
	for _, val := range work {
		if _, found := workMap[val.Name]; found {
			return nil, fmt.Errorf("can not have work with the same name %s", val.Name)
		}
		if val.Do == nil {
			return nil, fmt.Errorf("work %s has no work function", val.Name)
		}
		workMap[val.Name] = val
	}
	return workMap, nil
}

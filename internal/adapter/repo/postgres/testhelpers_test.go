package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ledgerRow mirrors one credit_ledger row for the in-memory pool stub.
type ledgerRow struct {
	userID string
	jobID  string
	delta  int
	kind   string
}

// poolStub satisfies PgxPool without a database. The ledger queries are
// answered from the in-memory row slice; plain Exec calls return the
// configured tag so conditional updates can be exercised.
type poolStub struct {
	mu   sync.Mutex
	rows []ledgerRow

	execTag pgconn.CommandTag
	execErr error
	lastSQL string
}

func newPoolStub(seed ...ledgerRow) *poolStub {
	return &poolStub{rows: seed, execTag: pgconn.NewCommandTag("UPDATE 1")}
}

func (p *poolStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSQL = sql
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr
	}
	return p.execTag, nil
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return p.answer(sql, args)
}

func (p *poolStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected Query")
}

func (p *poolStub) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return &txStub{pool: p}, nil
}

// answer resolves the ledger SELECTs against the in-memory rows.
func (p *poolStub) answer(sql string, args []any) *rowStub {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case strings.Contains(sql, "FILTER"):
		// holdState: outstanding hold and settled flag for (user, job)
		userID, jobID := args[0].(string), args[1].(string)
		reserved, settled := 0, 0
		for _, r := range p.rows {
			if r.userID != userID || r.jobID != jobID {
				continue
			}
			if r.kind == "reserve" {
				reserved -= r.delta
			}
			if r.kind == "release" || r.kind == "finalize" {
				settled++
			}
		}
		return &rowStub{vals: []int{reserved, settled}}

	case strings.Contains(sql, "COUNT(*)"):
		userID, jobID := args[0].(string), args[1].(string)
		n := 0
		for _, r := range p.rows {
			if r.userID == userID && r.jobID == jobID && r.kind == "reserve" {
				n++
			}
		}
		return &rowStub{vals: []int{n}}

	case strings.Contains(sql, "SUM(delta)"):
		userID := args[0].(string)
		sum := 0
		for _, r := range p.rows {
			if r.userID == userID {
				sum += r.delta
			}
		}
		return &rowStub{vals: []int{sum}}
	}
	return &rowStub{err: fmt.Errorf("unexpected query: %s", sql)}
}

func (p *poolStub) insert(sql string, args []any) error {
	kind := ""
	for _, k := range []string{"reserve", "release", "finalize"} {
		if strings.Contains(sql, "'"+k+"'") {
			kind = k
			break
		}
	}
	if kind == "" || len(args) < 4 {
		return fmt.Errorf("unexpected insert: %s", sql)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = append(p.rows, ledgerRow{
		userID: args[1].(string),
		jobID:  args[2].(string),
		delta:  args[3].(int),
		kind:   kind,
	})
	return nil
}

func (p *poolStub) rowCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rows)
}

// txStub is a pgx.Tx over the same in-memory rows. The stub commits eagerly;
// transaction isolation is the real database's concern, the tests here cover
// the protocol arithmetic.
type txStub struct {
	pool      *poolStub
	committed bool
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(context.Context) error          { t.committed = true; return nil }
func (t *txStub) Rollback(context.Context) error        { return nil }

func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "INSERT INTO credit_ledger") {
		if err := t.pool.insert(sql, args); err != nil {
			return pgconn.CommandTag{}, err
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected tx exec: %s", sql)
}

func (t *txStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	return t.pool.answer(sql, args)
}

func (t *txStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected tx Query")
}

func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("unexpected CopyFrom")
}

func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }

func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("unexpected Prepare")
}

func (t *txStub) Conn() *pgx.Conn { return nil }

// rowStub scans pre-computed integers into the caller's destinations.
type rowStub struct {
	vals []int
	err  error
}

func (r *rowStub) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan arity: want %d, got %d", len(r.vals), len(dest))
	}
	for i, d := range dest {
		p, ok := d.(*int)
		if !ok {
			return fmt.Errorf("scan dest %d: want *int", i)
		}
		*p = r.vals[i]
	}
	return nil
}

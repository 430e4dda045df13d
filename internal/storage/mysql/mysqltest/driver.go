// Package mysqltest provides a scripted database/sql driver: each test lists
// the statements it expects, in order, and the driver fails on anything else.
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (o operationType) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[o]
}

// Operation is one expected driver call.
type Operation struct {
	typ    operationType
	query  string
	args   []driver.Value
	result Result
	rows   Rows
	err    error
}

// WithArgs asserts the bound arguments of an Exec or Query.
func (o Operation) WithArgs(args ...driver.Value) Operation {
	o.args = args
	return o
}

// WithError makes the operation fail.
func (o Operation) WithError(err error) Operation {
	o.err = err
	return o
}

// Result is returned by an expected Exec.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// driverResult adapts Result to driver.Result.
type driverResult struct{ r Result }

// LastInsertId implements driver.Result.
func (r driverResult) LastInsertId() (int64, error) { return r.r.LastInsertID, nil }

// RowsAffected implements driver.Result.
func (r driverResult) RowsAffected() (int64, error) { return r.r.RowsAffected, nil }

// Rows is returned by an expected Query.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec expects an ExecContext call with the given statement.
func Exec(query string, result Result) Operation {
	return Operation{typ: opExec, query: query, result: result}
}

// Query expects a QueryContext call with the given statement.
func Query(query string, rows Rows) Operation {
	return Operation{typ: opQuery, query: query, rows: rows}
}

// Begin expects a transaction to start.
func Begin() Operation { return Operation{typ: opBegin} }

// Commit expects the transaction to commit.
func Commit() Operation { return Operation{typ: opCommit} }

// Rollback expects the transaction to roll back.
func Rollback() Operation { return Operation{typ: opRollback} }

// Driver replays a fixed list of operations.
type Driver struct {
	mu  sync.Mutex
	ops []Operation
	idx int
}

var driverSeq atomic.Int32

// NewDB registers a fresh driver and opens a single-connection pool on it.
// The test fails at cleanup if not every operation was consumed.
func NewDB(t *testing.T, ops ...Operation) *sql.DB {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() {
		db.Close()
		drv.mu.Lock()
		defer drv.mu.Unlock()
		if drv.idx != len(drv.ops) {
			t.Errorf("not all operations consumed: %d/%d", drv.idx, len(drv.ops))
		}
	})
	return db
}

// Open implements driver.Driver.
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected operationType, query string, args []driver.NamedValue) (*Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v %s", expected, normalizeSQL(query))
	}
	op := &d.ops[d.idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	d.idx++
	if op.query != "" {
		want, got := normalizeSQL(op.query), normalizeSQL(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	if op.args != nil {
		if len(op.args) != len(args) {
			return nil, fmt.Errorf("unexpected arg count. want %d got %d", len(op.args), len(args))
		}
		for i, arg := range args {
			if fmt.Sprint(op.args[i]) != fmt.Sprint(arg.Value) {
				return nil, fmt.Errorf("arg %d: want %v got %v", i, op.args[i], arg.Value)
			}
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return driverResult{op.result}, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

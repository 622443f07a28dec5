package pgtest

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeConn simulates transaction status and savepoints and serves canned rows
type fakeConn struct {
	status     byte
	savepoints []string
	statements []string
	args       [][]any

	rows     *fakeRows
	queryErr error
	execTag  string
	execErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{status: 'I'}
}

func (f *fakeConn) TxStatus() byte {
	return f.status
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.statements = append(f.statements, sql)
	f.args = append(f.args, args)

	switch {
	case sql == "BEGIN":
		f.status = 'T'
	case sql == "ROLLBACK" || sql == "COMMIT":
		f.status = 'I'
		f.savepoints = nil
	case strings.HasPrefix(sql, "SAVEPOINT "):
		f.savepoints = append(f.savepoints, strings.TrimPrefix(sql, "SAVEPOINT "))
	case strings.HasPrefix(sql, "ROLLBACK TO SAVEPOINT "):
		name := strings.TrimPrefix(sql, "ROLLBACK TO SAVEPOINT ")
		if !f.hasSavepoint(name) {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "3B001", Message: "savepoint does not exist"}
		}
		f.status = 'T'
	case strings.HasPrefix(sql, "RELEASE SAVEPOINT "):
		name := strings.TrimPrefix(sql, "RELEASE SAVEPOINT ")
		for i := len(f.savepoints) - 1; i >= 0; i-- {
			if f.savepoints[i] == name {
				f.savepoints = f.savepoints[:i]
				break
			}
		}
	default:
		if f.execErr != nil {
			return pgconn.CommandTag{}, f.execErr
		}
		return pgconn.NewCommandTag(f.execTag), nil
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeConn) hasSavepoint(name string) bool {
	for _, sp := range f.savepoints {
		if sp == name {
			return true
		}
	}
	return false
}

func (f *fakeConn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.statements = append(f.statements, sql)
	f.args = append(f.args, args)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.rows == nil {
		return &fakeRows{}, nil
	}
	rows := f.rows
	f.rows = nil
	return rows, nil
}

func (f *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

// fakeRows is an in-memory result set
type fakeRows struct {
	columns []string
	values  [][]any
	pos     int
	err     error
	closed  bool
}

func newRows(columns []string, values ...[]any) *fakeRows {
	return &fakeRows{columns: columns, values: values}
}

func (r *fakeRows) Close()                        { r.closed = true }
func (r *fakeRows) Err() error                    { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fields := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		fields[i] = pgconn.FieldDescription{Name: c}
	}
	return fields
}

func (r *fakeRows) Next() bool {
	if r.closed || r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.values[r.pos-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}

	row := r.values[r.pos-1]
	if len(dest) != len(row) {
		return errors.New("number of field descriptions must equal number of destinations")
	}
	for i, d := range dest {
		if row[i] == nil {
			continue
		}
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}

package scope

import (
	"context"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fluxbase-eu/pgtest/internal/database"
)

// fakeConn simulates the transaction status and savepoint bookkeeping of a backend
type fakeConn struct {
	status     byte
	savepoints []string
	statements []string
	args       [][]any
	failOn     map[string]error
}

func newFakeConn() *fakeConn {
	return &fakeConn{status: database.TxStatusIdle, failOn: map[string]error{}}
}

func (f *fakeConn) TxStatus() byte {
	return f.status
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.statements = append(f.statements, sql)
	f.args = append(f.args, args)

	for prefix, err := range f.failOn {
		if strings.HasPrefix(sql, prefix) {
			if f.status == database.TxStatusInTx {
				f.status = database.TxStatusFailed
			}
			return pgconn.CommandTag{}, err
		}
	}

	switch {
	case sql == "BEGIN":
		f.status = database.TxStatusInTx
	case sql == "ROLLBACK" || sql == "COMMIT":
		f.status = database.TxStatusIdle
		f.savepoints = nil
	case strings.HasPrefix(sql, "SAVEPOINT "):
		f.savepoints = append(f.savepoints, strings.TrimPrefix(sql, "SAVEPOINT "))
	case strings.HasPrefix(sql, "ROLLBACK TO SAVEPOINT "):
		name := strings.TrimPrefix(sql, "ROLLBACK TO SAVEPOINT ")
		i := f.index(name)
		if i < 0 {
			f.status = database.TxStatusFailed
			return pgconn.CommandTag{}, &pgconn.PgError{Code: pgerrcode.InvalidSavepointSpecification}
		}
		f.savepoints = f.savepoints[:i+1]
		f.status = database.TxStatusInTx
	case strings.HasPrefix(sql, "RELEASE SAVEPOINT "):
		name := strings.TrimPrefix(sql, "RELEASE SAVEPOINT ")
		i := f.index(name)
		if i < 0 {
			f.status = database.TxStatusFailed
			return pgconn.CommandTag{}, &pgconn.PgError{Code: pgerrcode.InvalidSavepointSpecification}
		}
		f.savepoints = f.savepoints[:i]
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeConn) index(name string) int {
	for i := len(f.savepoints) - 1; i >= 0; i-- {
		if f.savepoints[i] == name {
			return i
		}
	}
	return -1
}

// since returns the statements issued after the first n
func (f *fakeConn) since(n int) []string {
	return append([]string(nil), f.statements[n:]...)
}

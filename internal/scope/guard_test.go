package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransactionControl(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"BEGIN", "BEGIN"},
		{"begin transaction isolation level serializable", "BEGIN"},
		{"START TRANSACTION", "START"},
		{"COMMIT", "COMMIT"},
		{"END", "COMMIT"},
		{"ROLLBACK", "ROLLBACK"},
		{"ABORT", "ROLLBACK"},
		{"SAVEPOINT mine", "SAVEPOINT"},
		{"RELEASE SAVEPOINT pgtest_sp_1", "RELEASE"},
		{"ROLLBACK TO SAVEPOINT pgtest_sp_1", "ROLLBACK_TO"},
		{"PREPARE TRANSACTION 'x'", "PREPARE"},
		{"COMMIT PREPARED 'x'", "COMMIT_PREPARED"},
		{"ROLLBACK PREPARED 'x'", "ROLLBACK_PREPARED"},
		{"INSERT INTO t VALUES (1); COMMIT", "COMMIT"},
		{"SELECT 1", ""},
		{"SELECT CASE WHEN true THEN 1 END", ""},
		{"SELECT 'commit'", ""},
		{"UPDATE jobs SET started_at = now()", ""},
		{"COMMIT garbage garbage", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			assert.Equal(t, tt.want, TransactionControl(tt.sql))
		})
	}
}

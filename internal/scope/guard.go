package scope

import (
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// transactionKeyword short-circuits parsing for statements that cannot be transaction control
var transactionKeyword = regexp.MustCompile(`(?i)\b(begin|start|commit|end|rollback|abort|savepoint|release|prepare)\b`)

// TransactionControl returns the kind of the first transaction-control statement in sql
// (e.g. "COMMIT", "ROLLBACK_TO"), or "" when there is none. SQL that fails to parse
// yields "" so the server can report the syntax error itself.
func TransactionControl(sql string) string {
	if !transactionKeyword.MatchString(sql) {
		return ""
	}

	result, err := pg_query.Parse(sql)
	if err != nil {
		return ""
	}

	for _, raw := range result.Stmts {
		if raw.Stmt == nil {
			continue
		}
		if n, ok := raw.Stmt.Node.(*pg_query.Node_TransactionStmt); ok {
			return strings.TrimPrefix(n.TransactionStmt.Kind.String(), "TRANS_STMT_")
		}
	}
	return ""
}

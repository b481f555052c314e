package migrate

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaObjectKeyIsCaseFolded(t *testing.T) {
	a := Column("public", "Orders", "Customer_ID")
	b := Column("public", "orders", "customer_id")

	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "public.Orders.Customer_ID", a.QualifiedName())
	assert.NotEqual(t, Table("public", "orders").Key(), View("public", "orders").Key())
}

func TestOperationValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{"drop column", Operation{Kind: OpDropColumn, Target: Column("", "users", "email")}, false},
		{"column without table", Operation{Kind: OpDropColumn, Target: SchemaObject{Kind: KindColumn, Name: "email"}}, true},
		{"rename without new name", Operation{Kind: OpRenameTable, Target: Table("", "users")}, true},
		{"kind mismatch", Operation{Kind: OpDropTable, Target: Column("", "users", "email")}, true},
		{"rename table", Operation{Kind: OpRenameTable, Target: Table("", "users"), NewName: "accounts"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseOperationKind(t *testing.T) {
	k, err := ParseOperationKind(" DROP_COLUMN ")
	require.NoError(t, err)
	assert.Equal(t, OpDropColumn, k)

	_, err = ParseOperationKind("truncate")
	assert.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	lockErr := fmt.Errorf("acquire: %w", &LockTimeoutError{Scope: "table_modification", ResourceKey: "public.users", Timeout: time.Second})
	assert.True(t, errors.Is(lockErr, ErrLockTimeout))
	assert.True(t, IsRetryable(lockErr))

	analysisErr := &AnalysisError{Object: Table("", "users"), Stage: "catalog read", Err: errors.New("connection reset")}
	assert.True(t, errors.Is(analysisErr, ErrAnalysis))
	assert.False(t, IsRetryable(analysisErr))

	var rb *RollbackError
	wrapped := fmt.Errorf("run: %w", &RollbackError{SnapshotID: "s1", Outcome: RollbackPartial, Err: errors.New("boom")})
	require.True(t, errors.As(wrapped, &rb))
	assert.Equal(t, RollbackPartial, rb.Outcome)
	assert.True(t, errors.Is(wrapped, ErrRollback))

	vf := &ValidationFailure{Stage: "post_migration", FailedChecks: []string{"intent_applied: column still present"}, Rollback: RollbackSucceeded}
	assert.Contains(t, vf.Error(), "rollback succeeded")
}

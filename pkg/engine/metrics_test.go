package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-flows/pkg/sandbox"
)

func TestMetrics_CountOutcomes(t *testing.T) {
	kind := string(OpExecuteProp)
	success := operationsTotal.WithLabelValues(kind, string(VerdictSuccess))
	timeout := operationsTotal.WithLabelValues(kind, outcomeTimeout)
	beforeSuccess := testutil.ToFloat64(success)
	beforeTimeout := testutil.ToFloat64(timeout)

	ok := NewGateway(&sandbox.ProcessRunner{}, engineScript(t, `echo '{"status":"OK","response":[]}' > "$FLOWS_OUTPUT_FILE"`))
	_, err := ok.Execute(context.Background(), newLease(t), ExecuteProp{PropertyName: "channel"})
	require.NoError(t, err)

	slow := NewGateway(&sandbox.ProcessRunner{}, engineScript(t, `sleep 5`), WithTimeout(50*time.Millisecond))
	_, err = slow.Execute(context.Background(), newLease(t), ExecuteProp{PropertyName: "channel"})
	require.Error(t, err)

	assert.Equal(t, beforeSuccess+1, testutil.ToFloat64(success))
	assert.Equal(t, beforeTimeout+1, testutil.ToFloat64(timeout))
	assert.Equal(t, len(allOperations)*4, testutil.CollectAndCount(operationsTotal))
}

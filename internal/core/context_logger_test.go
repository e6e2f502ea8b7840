package core

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/accountops/internal/logging"
)

// lockedBuffer is written by run goroutines while the test reads it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func requestContext(out *lockedBuffer) context.Context {
	ctx := logging.WithLogger(context.Background(), logging.New(out, "info", "text"))
	return context.WithValue(ctx, middleware.RequestIDKey, "req-7")
}

func TestBatch_RunLogsCarryRequestContext(t *testing.T) {
	var out lockedBuffer
	c := NewBatchController(&fakeBackend{}, BatchConfig{})

	_, err := c.Start(requestContext(&out), BulkOperationRequest{Operation: OpBan, TargetIDs: []string{"u1"}})
	require.NoError(t, err)
	waitRun(t, c)

	logs := out.String()
	assert.Contains(t, logs, "bulk run started")
	assert.Contains(t, logs, "request_id=req-7")
	assert.Contains(t, logs, "job_id="+c.ID())
}

func TestImport_LogsCarryRequestContext(t *testing.T) {
	var out lockedBuffer
	ctx := requestContext(&out)
	backend := &fakeBackend{}
	p := NewImportPipeline(backend, backend, ImportConfig{})

	_, _, err := p.Preview(ctx, "users.csv", []byte(threeRowCSV))
	require.NoError(t, err)
	_, err = p.ConfigureOptions(ImportOptions{})
	require.NoError(t, err)
	_, err = p.Validate(ctx, ImportOptions{})
	require.NoError(t, err)
	_, err = p.Commit(ctx, ImportOptions{})
	require.NoError(t, err)
	waitCommit(t, p)

	logs := out.String()
	for _, msg := range []string{"import previewed", "import validated", "import commit started"} {
		assert.Contains(t, logs, msg)
	}
	assert.Contains(t, logs, "request_id=req-7")
	assert.Contains(t, logs, "import_id="+p.ID())
}

package agents

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marq-ai/marq/internal/catalog"
	"github.com/marq-ai/marq/internal/llm"
)

// fakeGen replays a canned structured output or error.
type fakeGen struct {
	out     interface{}
	err     error
	called  int
	lastReq llm.Request
}

func (f *fakeGen) GenerateInto(ctx context.Context, req llm.Request, out interface{}) error {
	f.called++
	f.lastReq = req
	if f.err != nil {
		return f.err
	}
	b, err := json.Marshal(f.out)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

const testTable = "mar_combined_m"

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := `products:
  - asset_class: credit
    product_type: cash
    product: cash
  - asset_class: credit
    product_type: cash
    product: us high grade
  - asset_class: rates
    product_type: swaps
    product: interest rate swaps
documents:
  - name: monthly activity report august 2025
    url: https://example.com/press/2025-08.html
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	store, err := catalog.NewStore(path, false, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

package prometheus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseSamples(t *testing.T) {
	t.Run("values", func(t *testing.T) {
		body := `{"status":"success","data":{"resultType":"vector","result":[
			{"metric":{"instance":"fog-node-1:9100"},"value":[1700000000.1,"1"]},
			{"metric":{"instance":"fog-node-1:9101"},"value":[1700000000.1,"0"]}]}}`
		got, err := parseSamples([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "0"}, got)
	})

	t.Run("error status", func(t *testing.T) {
		_, err := parseSamples([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
		assert.EqualError(t, err, "prometheus error: parse error (bad_data)")
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := parseSamples([]byte(`<html>`))
		assert.EqualError(t, err, "invalid JSON from prometheus")
	})
}

func TestNodeUp(t *testing.T) {
	up := `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1,"1"]}]}}`
	empty := `{"status":"success","data":{"resultType":"vector","result":[]}}`

	var lastQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery = r.URL.Query().Get("query")
		switch {
		case r.URL.Path != "/api/v1/query":
			http.NotFound(w, r)
		case lastQuery == `up{instance=~"fog\.node(:[0-9]+)?"}`:
			w.Write([]byte(up))
		case lastQuery == `up{instance=~"broken(:[0-9]+)?"}`:
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			w.Write([]byte(empty))
		}
	}))
	defer srv.Close()

	s := NewMonitoringService(srv.URL, zaptest.NewLogger(t))
	ctx := context.Background()

	ok, err := s.NodeUp(ctx, "fog.node")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.NodeUp(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok, "no series means down")

	_, err = s.NodeUp(ctx, "broken")
	assert.ErrorContains(t, err, "status 500")
}

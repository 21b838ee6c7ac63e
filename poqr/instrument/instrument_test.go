package instrument

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/poqr/poqr/cell"
)

func TestCounters(t *testing.T) {
	require := require.New(t)

	before := testutil.ToFloat64(cellsIn.WithLabelValues("RELAY"))
	CellIn(cell.CommandRelay)
	CellIn(cell.CommandRelay)
	require.Equal(before+2, testutil.ToFloat64(cellsIn.WithLabelValues("RELAY")))

	b := testutil.ToFloat64(circuitsDestroyed.WithLabelValues("requested"))
	CircuitCreated()
	CircuitDestroyed(cell.ReasonRequested)
	require.Equal(b+1, testutil.ToFloat64(circuitsDestroyed.WithLabelValues("requested")))
}

func TestHandler(t *testing.T) {
	require := require.New(t)

	BadCell()
	Init("")
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(err)
	require.Contains(string(body), "poqr_malformed_cells_total")
}

package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LeJamon/trustrelay/internal/config"
	"github.com/LeJamon/trustrelay/internal/ledger"
	"github.com/LeJamon/trustrelay/internal/ledger/simchain"
	"github.com/LeJamon/trustrelay/internal/metrics"
	"github.com/LeJamon/trustrelay/internal/relay"
	"github.com/LeJamon/trustrelay/internal/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func standaloneRelay(t *testing.T, d *demoActivity) *relay.Relay {
	t.Helper()
	cfg := config.Default()
	applyStandalone(cfg)
	require.NoError(t, config.ValidateConfig(cfg))

	clients := func(n config.NetworkConfig) (ledger.Client, error) {
		return d.chain.Client(n.Addr()), nil
	}
	r, err := assemble(cfg, clients, nil, metrics.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func syncRelay(t *testing.T, r *relay.Relay) {
	t.Helper()
	e, err := r.Engine(demoNetwork)
	require.NoError(t, err)
	for i := 0; ; i++ {
		require.Less(t, i, 100, "engine did not reach the head")
		progressed, err := e.Syncer().Step(context.Background())
		require.NoError(t, err)
		if !progressed {
			return
		}
	}
}

func TestStandaloneDemo(t *testing.T) {
	d := newDemoActivity(simchain.New(), 7)
	r := standaloneRelay(t, d)

	_, err := d.chain.Mine(d.genesis()...)
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		_, err := d.chain.Mine(d.next()...)
		require.NoError(t, err)
	}
	syncRelay(t, r)

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, demoAccounts, status[0].Trustlines)
	assert.Equal(t, []common.Address{demoNetwork}, r.NetworksOfUser(d.accounts[0]))

	for i := range d.accounts {
		a, b := d.neighbors(i)
		for _, pair := range [][2]common.Address{{a, b}, {b, a}} {
			capacity, err := r.GetCapacity(demoNetwork, pair[0], pair[1])
			require.NoError(t, err)
			assert.GreaterOrEqual(t, capacity, int64(0))
		}
	}
}

func TestDemoRunMinesUntilCancelled(t *testing.T) {
	d := newDemoActivity(simchain.New(), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Run(ctx, 2*time.Millisecond, zaptest.NewLogger(t)))
	// genesis plus at least a few ticks
	assert.Greater(t, d.chain.Head().Number, uint64(2))
}

func TestDemoActivityIsReproducible(t *testing.T) {
	a := newDemoActivity(simchain.New(), 42)
	b := newDemoActivity(simchain.New(), 42)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.next(), b.next())
	}
}

func TestCallRPC(t *testing.T) {
	d := newDemoActivity(simchain.New(), 3)
	r := standaloneRelay(t, d)
	_, err := d.chain.Mine(d.genesis()...)
	require.NoError(t, err)
	syncRelay(t, r)

	h := rpc.NewHandler(r, rpc.HandlerConfig{Timeout: 5 * time.Second}, zaptest.NewLogger(t))
	srv := httptest.NewServer(h)
	defer srv.Close()

	a, b := d.neighbors(0)
	params, err := parseRPCParams([]string{
		"network=" + demoNetwork.Hex(),
		"from=" + a.Hex(),
		"to=" + b.Hex(),
	})
	require.NoError(t, err)
	out, err := callRPC(context.Background(), http.DefaultClient, srv.URL, "get_capacity", params)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"capacity": 1000`)
	assert.Contains(t, string(out), `"status": "success"`)

	_, err = callRPC(context.Background(), http.DefaultClient, srv.URL, "no_such_method", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknownCmd")
}

func TestParseRPCParams(t *testing.T) {
	params, err := parseRPCParams([]string{"amount=40", "verbose=true", "source=0x0a"})
	require.NoError(t, err)
	assert.Equal(t, int64(40), params["amount"])
	assert.Equal(t, true, params["verbose"])
	assert.Equal(t, "0x0a", params["source"])

	_, err = parseRPCParams([]string{"amount"})
	assert.Error(t, err)
}

func TestConfigExampleCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "example"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, config.Example, out.String())
}

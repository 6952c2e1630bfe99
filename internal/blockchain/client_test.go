package blockchain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRPC 最小 JSON-RPC 节点
type fakeRPC struct {
	mu     sync.Mutex
	calls  map[string]int
	result map[string]interface{}
	errors map[string]string
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		calls: make(map[string]int),
		result: map[string]interface{}{
			"eth_chainId":     "0x7a69",
			"eth_blockNumber": "0x10",
		},
		errors: make(map[string]string),
	}
}

func (f *fakeRPC) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls[req.Method]++
	res, hasResult := f.result[req.Method]
	msg, hasErr := f.errors[req.Method]
	f.mu.Unlock()

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	switch {
	case hasErr:
		resp["error"] = map[string]interface{}{"code": -32000, "message": msg}
	case hasResult:
		resp["result"] = res
	default:
		resp["result"] = nil
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, urls ...string) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), &ClientConfig{
		ChainID:       31337,
		RPCURLs:       urls,
		MaxRetries:    2,
		RetryInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(context.Background(), &ClientConfig{ChainID: 31337})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one RPC URL is required")

	t.Run("chain id mismatch", func(t *testing.T) {
		node := newFakeRPC()
		node.result["eth_chainId"] = "0x1"
		srv := httptest.NewServer(node)
		defer srv.Close()

		_, err := NewClient(context.Background(), &ClientConfig{ChainID: 31337, RPCURLs: []string{srv.URL}})
		assert.ErrorIs(t, err, ErrNoHealthyRPC)
	})
}

func TestClient_FailoverToHealthyEndpoint(t *testing.T) {
	bad := newFakeRPC()
	bad.errors["eth_chainId"] = "unavailable"
	badSrv := httptest.NewServer(bad)
	defer badSrv.Close()

	good := newFakeRPC()
	goodSrv := httptest.NewServer(good)
	defer goodSrv.Close()

	c := newTestClient(t, badSrv.URL, goodSrv.URL)

	healthy := c.GetHealthyEndpoints()
	require.Len(t, healthy, 1)
	assert.Equal(t, goodSrv.URL, healthy[0].URL)

	n, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), n)
	assert.Equal(t, int64(31337), c.ChainID().Int64())
}

func TestClient_NodeRejectionNotRetried(t *testing.T) {
	node := newFakeRPC()
	node.errors["eth_sendRawTransaction"] = "nonce too low"
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	tx := types.NewTx(&types.LegacyTx{Nonce: 0, GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(1)})
	signed, err := c.SignTransaction(tx, key)
	require.NoError(t, err)

	err = c.SendTransaction(context.Background(), signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce too low")
	assert.Equal(t, 1, node.count("eth_sendRawTransaction"))
	assert.Len(t, c.GetHealthyEndpoints(), 1)
}

func TestClient_WaitReceiptTimeout(t *testing.T) {
	node := newFakeRPC()
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	hash := common.HexToHash("0x01")

	_, err := c.GetTransactionReceipt(context.Background(), hash)
	assert.ErrorIs(t, err, ErrTxNotFound)

	_, err = c.WaitReceipt(context.Background(), hash, 150*time.Millisecond, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrReceiptTimeout)
	assert.Greater(t, node.count("eth_getTransactionReceipt"), 2)

	// 调用方取消优先于超时
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.WaitReceipt(ctx, hash, time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_SignTransaction(t *testing.T) {
	c := &Client{chainID: big.NewInt(31337)}

	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	tx := types.NewTx(&types.LegacyTx{GasPrice: big.NewInt(1), Gas: 21000, To: &to})

	_, err := c.SignTransaction(tx, nil)
	assert.Error(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signed, err := c.SignTransaction(tx, key)
	require.NoError(t, err)

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(31337)), signed)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sender)
}

func TestClient_GetHealthyEndpoints(t *testing.T) {
	c := &Client{
		endpoints: []*RPCEndpoint{
			{URL: "http://rpc1.example.com", IsHealthy: true},
			{URL: "http://rpc2.example.com", IsHealthy: false},
			{URL: "http://rpc3.example.com", IsHealthy: true},
		},
	}

	healthy := c.GetHealthyEndpoints()
	assert.Len(t, healthy, 2)
	assert.Equal(t, "http://rpc1.example.com", healthy[0].URL)
	assert.Equal(t, "http://rpc3.example.com", healthy[1].URL)
}

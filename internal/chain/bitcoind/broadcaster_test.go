package bitcoind

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/olehkaliuzhnyi/btc-hdwallet/internal/chain"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

type rpcReply struct {
	Result interface{}       `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
	ID     json.RawMessage   `json:"id"`
}

// fakeNode answers the calls a Bitcoin Core 25 node receives from the
// broadcaster. submit handles sendrawtransaction with the hex transaction.
func fakeNode(t *testing.T, submit func(rawHex string) (interface{}, *btcjson.RPCError)) *Broadcaster {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rpc" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		reply := rpcReply{ID: req.ID}
		switch req.Method {
		case "getnetworkinfo":
			reply.Result = map[string]interface{}{"version": 250000, "subversion": "/Satoshi:25.0.0/"}
		case "sendrawtransaction":
			var rawHex string
			require.NoError(t, json.Unmarshal(req.Params[0], &rawHex))
			reply.Result, reply.Error = submit(rawHex)
		default:
			reply.Error = btcjson.ErrRPCMethodNotFound
		}
		require.NoError(t, json.NewEncoder(w).Encode(reply))
	}))
	t.Cleanup(srv.Close)

	b, err := New(Config{
		Host:     strings.TrimPrefix(srv.URL, "http://"),
		User:     "rpc",
		Password: "secret",
		Params:   &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func testTx(t *testing.T) (*wire.MsgTx, []byte) {
	t.Helper()
	msg := wire.NewMsgTx(wire.TxVersion)
	msg.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), nil, nil))
	msg.AddTxOut(wire.NewTxOut(9000, []byte{0x00, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}))

	var buf bytes.Buffer
	require.NoError(t, msg.Serialize(&buf))
	return msg, buf.Bytes()
}

func TestSubmit_Accepted(t *testing.T) {
	msg, raw := testTx(t)
	var got atomic.Value
	b := fakeNode(t, func(rawHex string) (interface{}, *btcjson.RPCError) {
		got.Store(rawHex)
		return msg.TxHash().String(), nil
	})

	txid, err := b.Submit(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, msg.TxHash().String(), txid)
	require.Equal(t, hex.EncodeToString(raw), got.Load())
}

func TestSubmit_Rejected(t *testing.T) {
	_, raw := testTx(t)
	b := fakeNode(t, func(string) (interface{}, *btcjson.RPCError) {
		return nil, &btcjson.RPCError{Code: btcjson.ErrRPCVerifyRejected, Message: "bad-txns-inputs-missingorspent"}
	})

	_, err := b.Submit(context.Background(), raw)
	require.Error(t, err)

	var rpcErr *btcjson.RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, btcjson.ErrRPCVerifyRejected, rpcErr.Code)
	require.Contains(t, err.Error(), "missingorspent")
	require.False(t, errors.Is(err, chain.ErrNetwork))
}

func TestSubmit_Malformed(t *testing.T) {
	var calls atomic.Int32
	b := fakeNode(t, func(string) (interface{}, *btcjson.RPCError) {
		calls.Add(1)
		return nil, nil
	})

	_, err := b.Submit(context.Background(), []byte{0x01, 0x02})
	require.Error(t, err)
	require.Zero(t, calls.Load())
}

func TestSubmit_ContextCancelled(t *testing.T) {
	_, raw := testTx(t)
	release := make(chan struct{})
	b := fakeNode(t, func(string) (interface{}, *btcjson.RPCError) {
		<-release
		return nil, nil
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Submit(ctx, raw)
	require.ErrorIs(t, err, chain.ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_RequiresHost(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

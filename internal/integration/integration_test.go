//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/ledger-hub/ledger-hub/internal/api/http"
	"github.com/ledger-hub/ledger-hub/internal/application/deposit"
	"github.com/ledger-hub/ledger-hub/internal/application/ledger"
	"github.com/ledger-hub/ledger-hub/internal/application/watcher"
	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
	"github.com/ledger-hub/ledger-hub/internal/domain/dispute"
	"github.com/ledger-hub/ledger-hub/internal/domain/process"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/chain"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/memory"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/metrics"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/postgres"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/sse"
	"github.com/ledger-hub/ledger-hub/internal/p2p/protocol"
)

var asset = common.HexToAddress("0x00000000000000000000000000000000000000e7")

type env struct {
	server     *httptest.Server
	chain      *chain.Adjudicator
	channels   channel.Repository
	challenges *dispute.Registry
	hub        *channel.KeySigner
	player     *ecdsa.PrivateKey
	ch         channel.Channel

	mu      sync.Mutex
	expired []dispute.Challenge
}

type stores struct {
	channels  channel.Repository
	processes process.Repository
}

func memoryStores(t *testing.T) stores {
	s := memory.NewStore()
	return stores{channels: s, processes: s}
}

func postgresStores(t *testing.T) stores {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres run")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.RunMigrations(ctx, pool, filepath.Join(repoRoot(t), "internal", "migrations")))
	require.NoError(t, resetDatabase(ctx, pool))
	return stores{channels: postgres.NewChannelRepository(pool), processes: postgres.NewProcessRepository(pool)}
}

func newEnv(t *testing.T, st stores) *env {
	t.Helper()
	logger := zerolog.Nop()
	player, err := crypto.GenerateKey()
	require.NoError(t, err)
	hubKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	hub := channel.NewKeySigner(hubKey)

	e := &env{
		channels:   st.channels,
		challenges: dispute.NewRegistry(),
		hub:        hub,
		player:     player,
		ch: channel.Channel{
			Participants: []common.Address{crypto.PubkeyToAddress(player.PublicKey), hub.Address()},
			ChannelNonce: uint64(time.Now().UnixNano()),
			ChainID:      big.NewInt(1337),
		},
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	e.chain = chain.NewAdjudicator(logger)
	t.Cleanup(e.chain.Close)

	ledgerSvc := ledger.NewService(st.channels, st.processes, channel.NewMemoryNonceRegistry(), hub, m, logger)
	ledgerSvc.RequireChainID(big.NewInt(1337))
	coordinator := deposit.NewCoordinator(e.chain, logger)
	t.Cleanup(coordinator.Close)
	policy, err := deposit.ParsePolicy("shortfall <= 100")
	require.NoError(t, err)
	depositSvc := deposit.NewService(st.channels, coordinator, hub.Address(), policy, m, logger)

	w := watcher.New(e.chain, depositSvc, e.challenges, m, logger)
	w.OnExpired(func(c dispute.Challenge) {
		e.mu.Lock()
		e.expired = append(e.expired, c)
		e.mu.Unlock()
	})
	w.Start(context.Background())
	t.Cleanup(w.Stop)

	sseHub := sse.NewHub()
	t.Cleanup(sseHub.Stop)
	api := httpapi.NewServer(ledgerSvc, depositSvc, sseHub, httpapi.Options{Gatherer: registry}, logger)
	e.server = httptest.NewServer(api.Router())
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) state(t *testing.T, turn uint64, playerShare, hubShare int64) channel.SignedState {
	t.Helper()
	s := channel.State{
		Channel:           e.ch,
		TurnNum:           turn,
		ChallengeDuration: 60,
		Outcome: channel.Outcome{{
			AssetHolder: asset,
			Allocation: []channel.AllocationItem{
				{Destination: channel.AddressDestination(e.ch.Participants[0]), Amount: big.NewInt(playerShare)},
				{Destination: channel.AddressDestination(e.ch.Participants[1]), Amount: big.NewInt(hubShare)},
			},
		}},
	}
	ss, err := channel.SignState(s, e.player)
	require.NoError(t, err)
	return ss
}

// send relays a message from the player and returns the hub's replies.
func (e *env) send(t *testing.T, typ protocol.MessageType, payload any) []protocol.Message {
	t.Helper()
	msg, err := protocol.New(typ, "", common.Address{}, e.hub.Address(), payload)
	require.NoError(t, err)
	require.NoError(t, msg.Sign(e.player))
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	resp, err := http.Post(e.server.URL+"/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Messages []protocol.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Messages
}

func hubState(t *testing.T, replies []protocol.Message) channel.SignedState {
	t.Helper()
	require.Len(t, replies, 1)
	payload, err := protocol.DecodePayload[protocol.SignedStatesReceivedPayload](replies[0].Data)
	require.NoError(t, err)
	require.Len(t, payload.SignedStates, 1)
	return payload.SignedStates[0]
}

func TestLedgerChannelLifecycle(t *testing.T) {
	for name, mk := range map[string]func(*testing.T) stores{
		"memory":   memoryStores,
		"postgres": postgresStores,
	} {
		t.Run(name, func(t *testing.T) {
			runLifecycle(t, newEnv(t, mk(t)))
		})
	}
}

func runLifecycle(t *testing.T, e *env) {
	ctx := context.Background()
	id := e.ch.ID()

	// Open: the hub countersigns the prefund round.
	turn1 := hubState(t, e.send(t, protocol.TypeChannelOpen, protocol.ChannelOpenPayload{SignedState: e.state(t, 0, 5, 3)}))
	assert.Equal(t, uint64(1), turn1.State.TurnNum)
	assert.True(t, turn1.Valid())

	// Fund: the player deposits first, the watcher sees it and the hub tops up its share.
	_, err := e.chain.Deposit(ctx, id, asset, big.NewInt(0), big.NewInt(5))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		held, err := e.chain.Holdings(ctx, id, asset)
		return err == nil && held.Int64() == 8
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		held, err := e.channels.Holdings(ctx, id, asset)
		return err == nil && held != nil && held.Int64() == 8
	}, 5*time.Second, 10*time.Millisecond)

	// Postfund and one running update with a reallocation.
	turn3 := hubState(t, e.send(t, protocol.TypeSignedStatesReceived,
		protocol.SignedStatesReceivedPayload{SignedStates: []channel.SignedState{e.state(t, 2, 5, 3)}}))
	assert.Equal(t, channel.StagePostFundSetup, channel.StageOf(turn3.State))

	turn4 := e.state(t, 4, 6, 2)
	turn5 := hubState(t, e.send(t, protocol.TypeSignedStatesReceived,
		protocol.SignedStatesReceivedPayload{SignedStates: []channel.SignedState{turn4}}))
	assert.Equal(t, uint64(5), turn5.State.TurnNum)
	assert.Equal(t, int64(2), turn5.State.Outcome.AmountFor(asset, channel.AddressDestination(e.hub.Address())).Int64())

	// A replayed round changes nothing and produces no reply.
	assert.Empty(t, e.send(t, protocol.TypeSignedStatesReceived,
		protocol.SignedStatesReceivedPayload{SignedStates: []channel.SignedState{turn4}}))

	// The player challenges with a stale state; the hub answers with the state it already signed.
	require.NoError(t, e.chain.Submit(ctx, channel.TransactionRequest{
		Kind: channel.TxForceMove, ChannelID: id, States: []channel.SignedState{turn4},
	}))
	var challenge dispute.Challenge
	require.Eventually(t, func() bool {
		var ok bool
		challenge, ok = e.challenges.Get(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	records, err := e.channels.ListStates(ctx, id)
	require.NoError(t, err)
	held := make([]channel.SignedState, 0, len(records))
	for _, r := range records {
		held = append(held, r.SignedState)
	}
	responder := dispute.NewResponder(challenge, held)
	require.Equal(t, dispute.RespondExistingMove, responder.Kind())
	tx := responder.RespondWithExistingMove()
	require.NotNil(t, tx)
	require.NoError(t, e.chain.Submit(ctx, *tx))
	require.Eventually(t, func() bool { return e.challenges.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	// A challenge nobody answers times out on the next block past expiry.
	require.NoError(t, e.chain.Submit(ctx, channel.TransactionRequest{
		Kind: channel.TxForceMove, ChannelID: id, States: []channel.SignedState{turn4, turn5},
	}))
	require.Eventually(t, func() bool { return e.challenges.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	e.chain.MineBlock(10_000)
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.expired) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, e.chain.Finalized(id))

	require.NoError(t, e.chain.Submit(ctx, channel.TransactionRequest{Kind: channel.TxWithdraw, ChannelID: id}))
	after, err := e.chain.Holdings(ctx, id, asset)
	require.NoError(t, err)
	assert.Zero(t, after.Sign())

	// The stored view still reflects the last countersigned turn.
	resp, err := http.Get(e.server.URL + "/v1/channels/" + id.Hex())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view ledger.ChannelView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	require.NotNil(t, view.Latest)
	assert.Equal(t, uint64(5), view.Latest.State.TurnNum)
	assert.Equal(t, channel.StageRunning.String(), view.Stage)
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}

func resetDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE TABLE
			channel_states,
			channel_holdings,
			channels,
			processes
		RESTART IDENTITY CASCADE
	`)
	return err
}

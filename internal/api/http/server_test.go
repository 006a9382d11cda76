package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ledger-hub/ledger-hub/internal/application/ledger"
	"github.com/ledger-hub/ledger-hub/internal/domain/adjudicator"
	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/memory"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/metrics"
	"github.com/ledger-hub/ledger-hub/internal/infrastructure/sse"
	"github.com/ledger-hub/ledger-hub/internal/p2p/protocol"
)

type fakeDeposits struct {
	mock.Mock
}

func (f *fakeDeposits) OnDepositObserved(ctx context.Context, ev adjudicator.Deposited) error {
	return f.Called(ctx, ev).Error(0)
}

type harness struct {
	server   *Server
	handler  http.Handler
	hub      *sse.Hub
	deposits *fakeDeposits
	player   *ecdsa.PrivateKey
	ch       channel.Channel
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	player, err := crypto.GenerateKey()
	require.NoError(t, err)
	hubKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := channel.NewKeySigner(hubKey)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if opts.Gatherer == nil {
		opts.Gatherer = reg
	}
	store := memory.NewStore()
	svc := ledger.NewService(store, store, channel.NewMemoryNonceRegistry(), signer, m, zerolog.Nop())
	deposits := &fakeDeposits{}
	hub := sse.NewHub()
	server := NewServer(svc, deposits, hub, opts, zerolog.Nop())

	return &harness{
		server:   server,
		handler:  server.Router(),
		hub:      hub,
		deposits: deposits,
		player:   player,
		ch: channel.Channel{
			Participants: []common.Address{crypto.PubkeyToAddress(player.PublicKey), signer.Address()},
			ChannelNonce: 1,
			ChainID:      big.NewInt(1337),
		},
	}
}

func (h *harness) open(t *testing.T, turn uint64) protocol.Message {
	t.Helper()
	s := channel.State{
		Channel:           h.ch,
		TurnNum:           turn,
		ChallengeDuration: 60,
		Outcome: channel.Outcome{{
			AssetHolder: common.HexToAddress("0xe7"),
			Allocation: []channel.AllocationItem{
				{Destination: channel.AddressDestination(h.ch.Participants[0]), Amount: big.NewInt(5)},
				{Destination: channel.AddressDestination(h.ch.Participants[1]), Amount: big.NewInt(3)},
			},
		}},
	}
	ss, err := channel.SignState(s, h.player)
	require.NoError(t, err)
	msg, err := protocol.New(protocol.TypeChannelOpen, "", common.Address{}, h.ch.Participants[1], protocol.ChannelOpenPayload{SignedState: ss})
	require.NoError(t, err)
	require.NoError(t, msg.Sign(h.player))
	return msg
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out["error"]
}

func TestPostMessageCountersignsAndPublishes(t *testing.T) {
	h := newHarness(t, Options{})
	client := sse.NewClient(h.ch.Participants[0])
	h.hub.Register(client)

	rec := h.do(t, http.MethodPost, "/v1/messages", h.open(t, 0))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp messagesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, h.ch.Participants[0], resp.Messages[0].Recipient)
	assert.Equal(t, protocol.TypeSignedStatesReceived, resp.Messages[0].Type)

	select {
	case msg := <-client.Messages:
		assert.Equal(t, resp.Messages[0].MessageID, msg.MessageID)
	default:
		t.Fatal("reply not published to stream")
	}

	view := h.do(t, http.MethodGet, "/v1/channels/"+h.ch.ID().Hex(), nil)
	require.Equal(t, http.StatusOK, view.Code)
	var cv ledger.ChannelView
	require.NoError(t, json.NewDecoder(view.Body).Decode(&cv))
	require.NotNil(t, cv.Latest)
	assert.Equal(t, uint64(1), cv.Latest.State.TurnNum)
}

func TestPostMessageErrors(t *testing.T) {
	h := newHarness(t, Options{})

	// A later turn for a channel nobody opened has no process to join.
	rec := h.do(t, http.MethodPost, "/v1/messages", h.open(t, 2))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PROCESS_MISSING", decodeError(t, rec))

	rec = h.do(t, http.MethodPost, "/v1/messages", `{"type":"ChannelOpen","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tampered := h.open(t, 0)
	tampered.ProcessID = "Funding-x"
	rec = h.do(t, http.MethodPost, "/v1/messages", tampered)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_MESSAGE", decodeError(t, rec))
}

func TestGetChannelErrors(t *testing.T) {
	h := newHarness(t, Options{})
	rec := h.do(t, http.MethodGet, "/v1/channels/0x1234", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/channels/"+common.HexToHash("0x99").Hex(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostDeposit(t *testing.T) {
	h := newHarness(t, Options{})
	id := common.HexToHash("0x42")
	h.deposits.On("OnDepositObserved", mock.Anything, mock.MatchedBy(func(ev adjudicator.Deposited) bool {
		return ev.ChannelID == id && ev.DestinationHoldings.Int64() == 5
	})).Return(nil).Once()

	rec := h.do(t, http.MethodPost, "/v1/chain/deposits", map[string]interface{}{
		"channelId":           id.Hex(),
		"assetHolder":         "0x00000000000000000000000000000000000000e7",
		"amountDeposited":     5,
		"destinationHoldings": 5,
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	h.deposits.AssertExpectations(t)

	rec = h.do(t, http.MethodPost, "/v1/chain/deposits", map[string]interface{}{"channelId": id.Hex()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRelayRateLimit(t *testing.T) {
	h := newHarness(t, Options{RateLimit: 0.001, RateBurst: 1})
	first := h.do(t, http.MethodPost, "/v1/messages", h.open(t, 0))
	assert.Equal(t, http.StatusOK, first.Code)
	second := h.do(t, http.MethodPost, "/v1/messages", h.open(t, 0))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, second))

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/channels/"+h.ch.ID().Hex(), nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, Options{})
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", nil).Code)

	h.do(t, http.MethodPost, "/v1/messages", h.open(t, 0))
	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_hub_rounds_countersigned_total 1")
}

func TestStream(t *testing.T) {
	h := newHarness(t, Options{})
	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stream?address=bad")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	addr := h.ch.Participants[0]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/stream?address="+addr.Hex(), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.hub.GetClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	msg, err := protocol.New(protocol.TypeSignedStatesReceived, "p", common.HexToAddress("0xf0"), addr, protocol.SignedStatesReceivedPayload{})
	require.NoError(t, err)
	require.Equal(t, 1, h.hub.Publish(msg))

	reader := bufio.NewReader(resp.Body)
	var event string
	for event == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, string(protocol.TypeSignedStatesReceived), event)
}

func TestClusterRoutesMountedWhenEnabled(t *testing.T) {
	h := newHarness(t, Options{})
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/cluster/", nil).Code)

	cluster := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h = newHarness(t, Options{Cluster: cluster})
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodGet, "/v1/cluster/", nil).Code)
}

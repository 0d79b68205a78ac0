package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cheddr "github.com/cheddr-labs/cheddr-go"
)

func testPayment() *cheddr.PaymentPayload {
	return &cheddr.PaymentPayload{
		X402Version: cheddr.X402Version,
		Scheme:      cheddr.SchemeChannel,
		Network:     "eip155:31337",
		Payload: cheddr.PayInChannelPayload{
			ChannelID:      "0x1100000000000000000000000000000000000000000000000000000000000011",
			Amount:         "1000000",
			Receiver:       "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
			SequenceNumber: 1,
			Timestamp:      1700000000,
			UserSignature:  "0xabcdef",
		},
	}
}

func testRequirements() *cheddr.PaymentRequirements {
	return &cheddr.PaymentRequirements{
		Scheme:            cheddr.SchemeChannel,
		Network:           "eip155:31337",
		MaxAmountRequired: "1000000",
		PayTo:             "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		Asset:             "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	}
}

func TestVerifySendsProtocolEnvelope(t *testing.T) {
	var gotBody cheddr.VerifyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(cheddr.VerifyResponse{IsValid: true, Payer: "0x7099"})
	}))
	defer server.Close()

	client := New(Config{URL: server.URL})
	resp, err := client.Verify(context.Background(), testPayment(), testRequirements())
	require.NoError(t, err)

	assert.True(t, resp.IsValid)
	assert.Equal(t, cheddr.X402Version, gotBody.X402Version)
	assert.Equal(t, cheddr.SchemeChannel, gotBody.PaymentPayload.Scheme)
	assert.Equal(t, "1000000", gotBody.PaymentRequirements.MaxAmountRequired)
}

func TestVerifyInvalidPaymentIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cheddr.VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"})
	}))
	defer server.Close()

	client := New(Config{URL: server.URL})
	resp, err := client.Verify(context.Background(), testPayment(), testRequirements())
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, "insufficient_funds", resp.InvalidReason)
}

func TestNonOKBecomesRemoteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"unsupported scheme"}`))
	}))
	defer server.Close()

	client := New(Config{URL: server.URL})
	_, err := client.Verify(context.Background(), testPayment(), testRequirements())
	require.Error(t, err)

	remote, ok := err.(*RemoteError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, remote.StatusCode)
	assert.JSONEq(t, `{"error":"unsupported scheme"}`, string(remote.Body))
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	client := New(Config{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	_, err := client.Verify(context.Background(), testPayment(), testRequirements())
	require.Error(t, err)
	assert.True(t, cheddr.IsCode(err, cheddr.ErrCodeUnavailable))
}

func TestSettleDeduplicatesRetries(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(cheddr.SettleResponse{Success: true, Transaction: "0xaa"})
	}))
	defer server.Close()

	client := New(Config{URL: server.URL})
	payment := testPayment()

	first, err := client.Settle(context.Background(), payment, testRequirements())
	require.NoError(t, err)
	second, err := client.Settle(context.Background(), payment, testRequirements())
	require.NoError(t, err)

	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, first.Transaction, second.Transaction)
}

func TestSettleDistinctUpdatesAreNotDeduplicated(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(cheddr.SettleResponse{Success: true})
	}))
	defer server.Close()

	client := New(Config{URL: server.URL})

	_, err := client.Settle(context.Background(), testPayment(), testRequirements())
	require.NoError(t, err)

	next := testPayment()
	next.Payload.SequenceNumber = 2
	next.Payload.UserSignature = "0x123456"
	_, err = client.Settle(context.Background(), next, testRequirements())
	require.NoError(t, err)

	assert.Equal(t, int64(2), hits.Load())
}

func TestSettleDeclineIsNotCached(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			json.NewEncoder(w).Encode(cheddr.SettleResponse{Success: false, ErrorReason: "sequence conflict"})
			return
		}
		json.NewEncoder(w).Encode(cheddr.SettleResponse{Success: true, Transaction: "0xbb"})
	}))
	defer server.Close()

	client := New(Config{URL: server.URL})
	payment := testPayment()

	// A declined settle must stay retryable: every attempt reaches the
	// facilitator until one commits.
	first, err := client.Settle(context.Background(), payment, testRequirements())
	require.NoError(t, err)
	assert.False(t, first.Success)

	second, err := client.Settle(context.Background(), payment, testRequirements())
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, int64(2), hits.Load())

	third, err := client.Settle(context.Background(), payment, testRequirements())
	require.NoError(t, err)
	assert.True(t, third.Success)

	// The committed result is what gets remembered.
	fourth, err := client.Settle(context.Background(), payment, testRequirements())
	require.NoError(t, err)
	assert.True(t, fourth.Success)
	assert.Equal(t, "0xbb", fourth.Transaction)
	assert.Equal(t, int64(3), hits.Load())
}

func TestSettleConcurrentCallsSingleFlight(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		json.NewEncoder(w).Encode(cheddr.SettleResponse{Success: true})
	}))
	defer server.Close()

	client := New(Config{URL: server.URL})
	payment := testPayment()

	var wg sync.WaitGroup
	results := make([]*cheddr.SettleResponse, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Settle(context.Background(), payment, testRequirements())
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load())
	for _, resp := range results {
		require.NotNil(t, resp)
		assert.True(t, resp.Success)
	}
}

func TestSettlementKeyStability(t *testing.T) {
	a := SettlementKey("0x11", 1, "0xsig")
	b := SettlementKey("0x11", 1, "0xsig")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, SettlementKey("0x22", 1, "0xsig"))
	assert.NotEqual(t, a, SettlementKey("0x11", 2, "0xsig"))
	assert.NotEqual(t, a, SettlementKey("0x11", 1, "0xother"))
}

func TestSettlementCacheExpiry(t *testing.T) {
	cache := NewSettlementCache(10 * time.Millisecond)
	key := SettlementKey("0x11", 1, "0xsig")

	status, _, done := cache.CheckAndMark(key)
	require.Equal(t, StatusNotFound, status)
	cache.Put(key, &cheddr.SettleResponse{Success: true})
	cache.Release(key, done)

	status, cached, _ := cache.CheckAndMark(key)
	require.Equal(t, StatusCached, status)
	assert.True(t, cached.Success)

	time.Sleep(20 * time.Millisecond)
	status, _, done = cache.CheckAndMark(key)
	assert.Equal(t, StatusNotFound, status)
	cache.Release(key, done)
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Config{URL: server.URL})
	assert.NoError(t, client.Health(context.Background()))

	down := New(Config{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	assert.Error(t, down.Health(context.Background()))
}

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cheddr "github.com/cheddr-labs/cheddr-go"
)

const testChannelID = "0x1100000000000000000000000000000000000000000000000000000000000011"

func TestGetChannel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channel/"+testChannelID, r.URL.Path)
		json.NewEncoder(w).Encode(cheddr.ChannelView{
			ChannelID:      testChannelID,
			SequenceNumber: 4,
			Balance:        "1000000",
		})
	}))
	defer server.Close()

	c := New(Config{URL: server.URL})
	view, err := c.GetChannel(context.Background(), testChannelID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), view.SequenceNumber)
}

func TestRemoteErrorsCarryClassifiedCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"balance_exceeded","error":"exceeds channel capacity"}`))
	}))
	defer server.Close()

	c := New(Config{URL: server.URL})
	_, err := c.Settle(context.Background(), &cheddr.PayInChannelPayload{ChannelID: testChannelID})
	require.Error(t, err)
	assert.True(t, cheddr.IsCode(err, cheddr.ErrCodeBalanceExceeded))
}

func TestRemoteErrorsFallBackToStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		code   cheddr.ErrorCode
	}{
		{http.StatusNotFound, cheddr.ErrCodeNotFound},
		{http.StatusConflict, cheddr.ErrCodeSequenceConflict},
		{http.StatusBadRequest, cheddr.ErrCodeValidation},
		{http.StatusInternalServerError, cheddr.ErrCodeUnavailable},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error":"boom"}`))
		}))

		c := New(Config{URL: server.URL})
		_, err := c.GetChannel(context.Background(), testChannelID)
		require.Error(t, err)
		assert.True(t, cheddr.IsCode(err, tc.code), "status %d should map to %s", tc.status, tc.code)
		server.Close()
	}
}

func TestSettlePostsPayload(t *testing.T) {
	var got cheddr.PayInChannelPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/settle", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(cheddr.PayInChannelResponse{
			Channel: cheddr.ChannelView{ChannelID: got.ChannelID, SequenceNumber: got.SequenceNumber},
		})
	}))
	defer server.Close()

	c := New(Config{URL: server.URL})
	resp, err := c.Settle(context.Background(), &cheddr.PayInChannelPayload{
		ChannelID:      testChannelID,
		Amount:         "1000",
		SequenceNumber: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.SequenceNumber)
	assert.Equal(t, uint64(3), resp.Channel.SequenceNumber)
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	_, err := c.GetChannel(context.Background(), testChannelID)
	require.Error(t, err)
	assert.True(t, cheddr.IsCode(err, cheddr.ErrCodeUnavailable))
}

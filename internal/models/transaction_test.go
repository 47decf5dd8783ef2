package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTransaction(t *testing.T) {
	raw := []byte(`{"tx_response":{"height":"1234","txhash":"ABCD","events":[]},"custom_info":{"chain_id":"cosmoshub-4","chain_name":"Cosmos Hub"}}`)

	tx, err := DecodeTransaction(raw)
	require.NoError(t, err)
	assert.Equal(t, "cosmoshub-4", tx.ChainID)
	assert.Equal(t, int64(1234), tx.BlockHeight)
	assert.Equal(t, "ABCD", tx.TxHash)
	assert.JSONEq(t, string(raw), string(tx.Payload))
}

func TestDecodeTransaction_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `not-json`},
		{name: "missing chain id", raw: `{"tx_response":{"height":"1"}}`},
		{name: "bad height", raw: `{"tx_response":{"height":"abc"},"custom_info":{"chain_id":"x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTransaction([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

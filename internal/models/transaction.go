package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Transaction is an indexed transaction document as produced by the upstream indexer
type Transaction struct {
	ID          int64           `json:"_id"`
	ChainID     string          `json:"chainId"`
	BlockHeight int64           `json:"blockHeight"`
	TxHash      string          `json:"txHash"`
	Payload     json.RawMessage `json:"tx"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// transactionDocument is the subset of the stream payload needed to index a transaction
type transactionDocument struct {
	TxResponse struct {
		Height json.Number `json:"height"`
		TxHash string      `json:"txhash"`
	} `json:"tx_response"`
	CustomInfo struct {
		ChainID string `json:"chain_id"`
	} `json:"custom_info"`
}

// DecodeTransaction builds a Transaction from a raw stream payload.
// The payload is stored verbatim; chain id, height and hash are lifted into columns.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	var doc transactionDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if doc.CustomInfo.ChainID == "" {
		return nil, fmt.Errorf("transaction has no custom_info.chain_id")
	}

	tx := &Transaction{
		ChainID: doc.CustomInfo.ChainID,
		TxHash:  doc.TxResponse.TxHash,
		Payload: json.RawMessage(raw),
	}

	if doc.TxResponse.Height != "" {
		height, err := strconv.ParseInt(doc.TxResponse.Height.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid tx_response.height %q: %w", doc.TxResponse.Height, err)
		}
		tx.BlockHeight = height
	}

	return tx, nil
}

package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/chain-crawler/internal/types"
)

// Bech32 account address: lowercase prefix, separator 1, then 20 or 32 bytes of data plus checksum
var bech32AddressRegex = regexp.MustCompile(`^[a-z][a-z0-9]*1[02-9ac-hj-np-z]{38,58}$`)

const maxAddressLength = 90

// ValidateAddress validates the format of a chain account address
func ValidateAddress(address string) error {
	if len(address) > maxAddressLength || !bech32AddressRegex.MatchString(address) {
		return fmt.Errorf("invalid address format: %q (must be a lowercase bech32 address)", address)
	}
	return nil
}

// AccountResource is one crawled resource of an account on a chain.
// (Address, ChainID, ResourceType) identifies the record.
type AccountResource struct {
	ID           int64              `json:"id"`
	Address      string             `json:"address"`
	ChainID      string             `json:"chainId"`
	ChainName    string             `json:"chainName"`
	ResourceType types.ResourceType `json:"resourceType"`
	Payload      json.RawMessage    `json:"payload"`
	LastUpdated  time.Time          `json:"lastUpdated"`
}

// AccountIdentity is the idempotency key of an AccountResource
type AccountIdentity struct {
	Address      string
	ChainID      string
	ResourceType types.ResourceType
}

// Identity returns the idempotency key of the resource
func (r *AccountResource) Identity() AccountIdentity {
	return AccountIdentity{Address: r.Address, ChainID: r.ChainID, ResourceType: r.ResourceType}
}

package api

import (
	"net/http"

	"github.com/chain-crawler/internal/models"
)

// CrawlAccountsRequest is the body of POST /api/v1/account-info/crawl
type CrawlAccountsRequest struct {
	ChainID   string   `json:"chainId"`
	Addresses []string `json:"listAddresses"`
}

// handleGetAccountInfo handles GET /api/v1/account-info
func (s *Server) handleGetAccountInfo(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	chainID := r.URL.Query().Get("chainId")

	if address == "" {
		respondValidation(w, "address is required")
		return
	}
	if _, ok := s.config.Chains.Lookup(chainID); !ok {
		respondValidation(w, "chainId must be a known chain")
		return
	}

	info, err := s.accountService.Get(r.Context(), address, chainID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondSuccess(w, info)
}

// handleCrawlAccounts handles POST /api/v1/account-info/crawl
func (s *Server) handleCrawlAccounts(w http.ResponseWriter, r *http.Request) {
	var req CrawlAccountsRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondValidation(w, "invalid request body")
		return
	}

	if _, ok := s.config.Chains.Lookup(req.ChainID); !ok {
		respondValidation(w, "chainId must be a known chain")
		return
	}
	if len(req.Addresses) == 0 {
		respondValidation(w, "listAddresses must contain at least one address")
		return
	}
	for _, address := range req.Addresses {
		if err := models.ValidateAddress(address); err != nil {
			respondValidation(w, err.Error())
			return
		}
	}

	if err := s.accountService.RequestCrawl(r.Context(), req.ChainID, req.Addresses); err != nil {
		respondError(w, r, err)
		return
	}

	respondSuccess(w, req)
}

// Package types provides common type definitions for the chain crawler.
package types

// ResourceType identifies a crawled account resource
type ResourceType string

const (
	// ResourceBalances is the bank balances of an account
	ResourceBalances ResourceType = "balances"
	// ResourceUnbonds is the unbonding delegations of an account
	ResourceUnbonds ResourceType = "unbonding_delegations"
)

// ProposalStatus is the governance status reported by the LCD
type ProposalStatus string

const (
	ProposalStatusUnspecified      ProposalStatus = "PROPOSAL_STATUS_UNSPECIFIED"
	ProposalStatusDepositPeriod    ProposalStatus = "PROPOSAL_STATUS_DEPOSIT_PERIOD"
	ProposalStatusVotingPeriod     ProposalStatus = "PROPOSAL_STATUS_VOTING_PERIOD"
	ProposalStatusPassed           ProposalStatus = "PROPOSAL_STATUS_PASSED"
	ProposalStatusRejected         ProposalStatus = "PROPOSAL_STATUS_REJECTED"
	ProposalStatusFailed           ProposalStatus = "PROPOSAL_STATUS_FAILED"
	ProposalStatusNotEnoughDeposit ProposalStatus = "PROPOSAL_STATUS_NOT_ENOUGH_DEPOSIT"
)

// Open reports whether the proposal still accepts deposits or votes
func (s ProposalStatus) Open() bool {
	return s == ProposalStatusDepositPeriod || s == ProposalStatusVotingPeriod
}

// Queue names used by the crawl workers
const (
	QueueAccountBalances   = "crawl.account-balances"
	QueueAccountUnbonds    = "crawl.account-unbonds"
	QueueProposal          = "crawl.proposal"
	QueueDepositProposal   = "crawl.deposit.proposal"
	QueueHandleTransaction = "handle.transaction"
)

// Event names published between crawlers
const (
	EventAccountUpsertEach  = "account-info.upsert-each"
	EventProposalDepositing = "proposal.depositing"
	EventProposalVoting     = "proposal.voting"
)

// Coin is a denom/amount pair as returned by the LCD
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// UnbondingEntry is one maturing unbond inside an unbonding delegation
type UnbondingEntry struct {
	CreationHeight string `json:"creation_height"`
	CompletionTime string `json:"completion_time"`
	InitialBalance string `json:"initial_balance"`
	Balance        string `json:"balance"`
}

// UnbondingResponse is an unbonding delegation between a delegator and a validator
type UnbondingResponse struct {
	DelegatorAddress string           `json:"delegator_address"`
	ValidatorAddress string           `json:"validator_address"`
	Entries          []UnbondingEntry `json:"entries"`
}

// Deposit is a governance deposit made towards a proposal
type Deposit struct {
	Depositor string `json:"depositor"`
	Amount    []Coin `json:"amount"`
}

// CrawlAccountPayload is the job payload shared by the account crawlers
type CrawlAccountPayload struct {
	ChainID   string   `json:"chainId"`
	Addresses []string `json:"listAddresses"`
}

// CrawlProposalPayload is the job payload of the proposal crawler
type CrawlProposalPayload struct {
	ChainID string `json:"chainId"`
}

// CrawlDepositPayload is the job payload of the deposit crawler
type CrawlDepositPayload struct {
	ChainID    string `json:"chainId"`
	ProposalID string `json:"id"`
}

// ProposalEvent is published for proposals in an open period
type ProposalEvent struct {
	ChainID    string `json:"chainId"`
	ProposalID string `json:"id"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// Response codes of the API envelope
const (
	CodeSuccessful = "E000"
	CodeWrong      = "E001"

	MessageSuccessful      = "SUCCESSFUL"
	MessageWrong           = "WRONG"
	MessageValidationError = "VALIDATION_ERROR"
)

// ResponseDto is the envelope of every API response
type ResponseDto struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

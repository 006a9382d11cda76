package process

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ProtocolTag names the sub-protocol a process runs.
type ProtocolTag string

const (
	ProtocolFunding        ProtocolTag = "FUNDING"
	ProtocolConcluding     ProtocolTag = "CONCLUDING"
	ProtocolLedgerTopUp    ProtocolTag = "LEDGER_TOP_UP"
	ProtocolVirtualFunding ProtocolTag = "VIRTUAL_FUNDING"
	ProtocolCloseLedger    ProtocolTag = "CLOSE_LEDGER_CHANNEL"
)

const fundingProcessIDPrefix = "Funding-"

// Process is one negotiation instance between the hub and a counterparty.
type Process struct {
	ProcessID    string         `json:"processId"`
	Counterparty common.Address `json:"counterparty"`
	Protocol     ProtocolTag    `json:"protocol"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// FundingProcessID derives the process id of a channel's funding negotiation.
func FundingProcessID(channelID common.Hash) string {
	return fundingProcessIDPrefix + channelID.Hex()
}

// ChannelFromProcessID recovers the channel id of a funding process.
func ChannelFromProcessID(processID string) (common.Hash, bool) {
	if !strings.HasPrefix(processID, fundingProcessIDPrefix) {
		return common.Hash{}, false
	}
	raw := strings.TrimPrefix(processID, fundingProcessIDPrefix)
	if len(raw) != 2+2*common.HashLength || !strings.HasPrefix(raw, "0x") {
		return common.Hash{}, false
	}
	return common.HexToHash(raw), true
}

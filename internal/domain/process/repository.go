package process

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Repository stores processes. FindProcess returns nil, nil when absent.
type Repository interface {
	FindProcess(ctx context.Context, processID string) (*Process, error)
	// CreateProcess is a no-op if the process already exists.
	CreateProcess(ctx context.Context, processID string, counterparty common.Address, protocol ProtocolTag) (*Process, error)
}

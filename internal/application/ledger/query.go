package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ledger-hub/ledger-hub/internal/domain/channel"
)

// ChannelView is the hub's stored view of one channel.
type ChannelView struct {
	ChannelID common.Hash          `json:"channelId"`
	Channel   channel.Channel      `json:"channel"`
	Stage     string               `json:"stage"`
	Latest    *channel.SignedState `json:"latest,omitempty"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// Channel returns the stored channel and its latest state, or nil when unknown.
func (s *Service) Channel(ctx context.Context, channelID common.Hash) (*ChannelView, error) {
	rec, err := s.channels.FindChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("find channel: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	latest, err := s.channels.LatestState(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("load latest state: %w", err)
	}
	view := &ChannelView{
		ChannelID: channelID,
		Channel:   rec.Channel,
		UpdatedAt: rec.UpdatedAt,
		Latest:    latest,
	}
	if latest != nil {
		view.Stage = channel.StageOf(latest.State).String()
	}
	return view, nil
}

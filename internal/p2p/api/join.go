package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// JoinOptions controls how a new node asks the leader to add it as a voter.
type JoinOptions struct {
	Endpoint   string // base URL of any hub in the cluster
	NodeID     string
	RaftAddr   string
	Retries    int
	RetryDelay time.Duration
	Client     *http.Client
}

// Join posts to {Endpoint}/v1/cluster/join until the leader accepts it.
func Join(ctx context.Context, opts JoinOptions) error {
	endpoint := strings.TrimRight(opts.Endpoint, "/") + "/v1/cluster/join"
	body, err := json.Marshal(raftJoinRequest{NodeID: opts.NodeID, RaftAddr: opts.RaftAddr})
	if err != nil {
		return err
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.RetryDelay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}

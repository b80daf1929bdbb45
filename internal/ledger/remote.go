package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteLedger forwards credits to an external payouts service. It is
// used when the platform's ledger of record lives outside this
// process.
type RemoteLedger struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewRemoteLedger(endpoint, token string) *RemoteLedger {
	return &RemoteLedger{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 8 * time.Second},
	}
}

type remoteCreditRequest struct {
	UserID string `json:"user_id"`
	TaskID string `json:"task_id"`
	Amount string `json:"amount"`
	Source string `json:"source,omitempty"`
}

func (l *RemoteLedger) Credit(ctx context.Context, c Credit) error {
	body, err := json.Marshal(remoteCreditRequest{
		UserID: c.UserID,
		TaskID: c.TaskID,
		Amount: c.Amount.StringFixed(2),
		Source: c.Source,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint+"/v1/credits", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger service returned %d: %s", resp.StatusCode, string(snippet))
	}
	return nil
}

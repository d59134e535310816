package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/115Studio/chat-backend/store"
)

// DataStreamProvider posts the conversation to an upstream that answers
// with the data stream line protocol.
type DataStreamProvider struct {
	url    string
	apiKey string
	client *http.Client
}

func NewDataStreamProvider(url, apiKey string) *DataStreamProvider {
	return &DataStreamProvider{url: url, apiKey: apiKey, client: http.DefaultClient}
}

type dataStreamMessage struct {
	Role   store.Role           `json:"role"`
	Stages []store.MessageStage `json:"stages"`
}

func (p *DataStreamProvider) Stream(ctx context.Context, req *Request) (Stream, error) {
	messages := make([]dataStreamMessage, 0, len(req.History))
	for _, m := range req.History {
		messages = append(messages, dataStreamMessage{Role: m.Role, Stages: m.Stages})
	}
	body, err := json.Marshal(map[string]any{
		"model":    req.Model,
		"user":     req.UserID,
		"messages": messages,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach data stream upstream")
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, errors.Errorf("data stream upstream returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return NewDataStream(resp.Body), nil
}

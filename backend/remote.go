package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"batchserve/serving"
)

// RemoteExecutor delegates decoding steps to an external model server over
// HTTP. It implements serving.StepExecutor; the server owns the actual
// tensor execution and sampling.
type RemoteExecutor struct {
	serverURL string
	client    *http.Client
}

type remoteSequence struct {
	TokenIDs    []int   `json:"token_ids"`
	Temperature float64 `json:"temperature"`
}

type remoteStepRequest struct {
	Sequences []remoteSequence `json:"sequences"`
}

type remoteStepResponse struct {
	TokenIDs []int  `json:"token_ids"`
	Stops    []bool `json:"stops"`
}

// NewRemoteExecutor connects to a remote model server and verifies it is
// reachable via its /info endpoint.
func NewRemoteExecutor(serverURL string) (*RemoteExecutor, error) {
	e := &RemoteExecutor{
		serverURL: serverURL,
		client:    &http.Client{},
	}

	resp, err := e.client.Get(serverURL + "/info")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to model server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model server returned status %d", resp.StatusCode)
	}

	return e, nil
}

// Step posts the batch's token histories and returns one sampled token per
// sequence.
func (e *RemoteExecutor) Step(batch []*serving.Sequence) ([]serving.StepResult, error) {
	req := remoteStepRequest{
		Sequences: make([]remoteSequence, len(batch)),
	}
	for i, seq := range batch {
		req.Sequences[i] = remoteSequence{
			TokenIDs:    seq.TokenIDs,
			Temperature: seq.Params.Temperature,
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Post(e.serverURL+"/step", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("step request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model server returned status %d", resp.StatusCode)
	}

	var result remoteStepResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode step response: %w", err)
	}

	if len(result.TokenIDs) != len(batch) {
		return nil, fmt.Errorf("model server returned %d tokens for batch of %d", len(result.TokenIDs), len(batch))
	}

	results := make([]serving.StepResult, len(batch))
	for i, tokenID := range result.TokenIDs {
		stop := false
		if i < len(result.Stops) {
			stop = result.Stops[i]
		}
		results[i] = serving.StepResult{TokenID: tokenID, Stop: stop}
	}

	return results, nil
}

// Close cleans up resources.
func (e *RemoteExecutor) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

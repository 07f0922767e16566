// Package publisher holds the wire format shared by the result publishers.
package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/rankgrid/internal/rank"
)

// Message is the JSON document published for every terminal item result.
type Message struct {
	BatchID string `json:"batch_id"`
	rank.Result
}

// Encode marshals the (batch, result) pair.
func Encode(batchID string, res rank.Result) ([]byte, error) {
	data, err := json.Marshal(Message{BatchID: batchID, Result: res})
	if err != nil {
		return nil, fmt.Errorf("marshal result message: %w", err)
	}
	return data, nil
}

// Attributes returns the routing attributes attached to a published message.
func Attributes(batchID string, res rank.Result) map[string]string {
	attrs := map[string]string{
		"batch_id": batchID,
		"item_id":  res.ItemID.String(),
		"outcome":  string(res.Outcome),
	}
	if res.Kind != "" {
		attrs["kind"] = string(res.Kind)
	}
	return attrs
}

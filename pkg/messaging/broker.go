// Package messaging carries access events between the API and the worker processes.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher appends a message to a named stream.
type Publisher interface {
	// Publish JSON-encodes message. json.RawMessage and []byte are sent as is.
	Publish(ctx context.Context, stream string, message interface{}) error
}

// Subscriber delivers raw payloads from a stream until ctx is done; the channel is then closed.
type Subscriber interface {
	Subscribe(ctx context.Context, stream string) (<-chan []byte, error)
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// Encode is the payload encoding shared by every broker.
func Encode(message interface{}) ([]byte, error) {
	switch m := message.(type) {
	case json.RawMessage:
		return m, nil
	case []byte:
		return m, nil
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return payload, nil
}

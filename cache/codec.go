package cache

import (
	"encoding/json"
	"fmt"
)

// encodeBody serializes a body for persistence.
// Bodies are JSON values or strings, so JSON covers both.
func encodeBody(body any) ([]byte, error) {
	if b, ok := body.([]byte); ok {
		return nil, fmt.Errorf("binary body (%d bytes) cannot be stored", len(b))
	}
	return json.Marshal(body)
}

func decodeBody(data []byte) (any, error) {
	var body any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return body, nil
}

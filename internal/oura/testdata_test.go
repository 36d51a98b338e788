package oura

import (
	"encoding/json"
	"testing"
)

// pull decodes per-source JSON documents the way the client does.
func pull(t *testing.T, docs map[Source]string) PulledData {
	t.Helper()
	out := make(PulledData, len(docs))
	for src, body := range docs {
		var doc Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			t.Fatalf("decode %s: %v", src, err)
		}
		out[src] = doc
	}
	return out
}

// Copyright 2025 James Ross
package serializer

import "testing"

type sample struct {
	Name  string            `json:"name"`
	Count int               `json:"count"`
	Tags  map[string]string `json:"tags,omitempty"`
}

func TestJSONRoundTrip(t *testing.T) {
	in := sample{Name: "hello", Count: 3, Tags: map[string]string{"a": "b"}}
	b, err := JSON.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out sample
	if err := JSON.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || out.Tags["a"] != "b" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

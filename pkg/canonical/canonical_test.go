package canonical

import (
	"encoding/json"
	"testing"
)

func TestMarshal_SortsKeys(t *testing.T) {
	input := map[string]interface{}{
		"severity": "high",
		"payload":  map[string]interface{}{"service": "api-gateway", "message": "Latency spike"},
		"event_id": "evt_1",
	}

	expected := `{"event_id":"evt_1","payload":{"message":"Latency spike","service":"api-gateway"},"severity":"high"}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_SortsNestedKeys(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"msg": "<db> latency & errors",
	}

	// encoding/json alone would emit <db> ... &
	expected := `{"msg":"<db> latency & errors"}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NoWhitespace(t *testing.T) {
	input := map[string]interface{}{
		"list": []interface{}{1, "two", nil, true},
	}

	expected := `{"list":[1,"two",null,true]}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_PreservesNumberText(t *testing.T) {
	input := map[string]interface{}{
		"num": json.Number("123.456"),
	}
	expected := `{"num":123.456}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestHash_KeyOrderInvariant(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := Hash(v1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(v2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Errorf("Hash mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(h1))
	}
}

func TestHash_ContentSensitive(t *testing.T) {
	h1, err := Hash(map[string]interface{}{"severity": "high"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(map[string]interface{}{"severity": "low"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("Distinct payloads must not share a digest")
	}
}

func TestMarshalString_Empty(t *testing.T) {
	s, err := MarshalString(map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	if s != "{}" {
		t.Errorf("Expected {}, got %s", s)
	}
}

func TestHashBytes_KnownVector(t *testing.T) {
	// sha256("") is a fixed point worth pinning.
	got := HashBytes(nil)
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

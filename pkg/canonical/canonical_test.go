package canonical

import (
	"strings"
	"testing"
)

func TestJCSSorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestJCSNestedSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("expected %s, got %s", expected, string(b))
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	input := map[string]interface{}{
		"q": "a<b>&c",
	}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if strings.Contains(string(b), `<`) {
		t.Errorf("JCS output must not HTML-escape: %s", string(b))
	}
}

func TestHashStableUnderKeyOrder(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": "two", "z": []interface{}{1, 2}}
	b := map[string]interface{}{"z": []interface{}{1, 2}, "y": "two", "x": 1}

	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if ha != hb {
		t.Errorf("hash must be independent of key order: %s != %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("expected sha-256 hex digest, got %q", ha)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	type doc struct {
		Name  string `json:"name"`
		Total string `json:"total"`
	}
	v := doc{Name: "BOVINA", Total: "12345.67"}

	b1, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	b2, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b1) != string(b2) {
		t.Errorf("Marshal must be byte-stable")
	}
	if !strings.Contains(string(b1), "\n  \"name\"") {
		t.Errorf("expected two-space indented body, got %s", string(b1))
	}
	if HashBytes(b1) != HashBytes(b2) {
		t.Errorf("identical bytes must hash identically")
	}
}

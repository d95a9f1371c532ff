package canonical

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func key(t *testing.T, action string, fields map[string]any) string {
	t.Helper()
	k, err := IdempotencyKey(action, fields)
	if err != nil {
		t.Fatalf("idempotency key: %v", err)
	}
	return k
}

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestCanonicalizeSortsKeysAndDropsWhitespace(t *testing.T) {
	var v any
	if err := json.Unmarshal([]byte(`{ "b": [1, 2, {"z": true, "a": null}], "a": "<x>" }`), &v); err != nil {
		t.Fatal(err)
	}
	out, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if want := `{"a":"<x>","b":[1,2,{"a":null,"z":true}]}`; string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestHashIsSHA256Hex(t *testing.T) {
	if got := Hash(nil); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("hash of empty input = %s", got)
	}
	h, err := HashValue(map[string]any{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 64 {
		t.Fatalf("hash length = %d", len(h))
	}
}

func TestIdempotencyKeyIgnoresFieldOrder(t *testing.T) {
	a := decode(t, `{"title":"Write spec","due":"2026-01-26","project_id":"proj_abc123"}`)
	b := decode(t, `{"project_id":"proj_abc123","due":"2026-01-26","title":"Write spec"}`)
	ka := key(t, "notion.tasks.create", a)
	if kb := key(t, "notion.tasks.create", b); ka != kb {
		t.Fatalf("keys differ: %s vs %s", ka, kb)
	}
	if len(ka) != KeyLength {
		t.Fatalf("key length = %d", len(ka))
	}
}

func TestIdempotencyKeyNormalizesTitle(t *testing.T) {
	if key(t, "notion.tasks.create", map[string]any{"title": "  Write   SPEC "}) != key(t, "notion.tasks.create", map[string]any{"title": "write spec"}) {
		t.Fatalf("case and spacing must not change the key")
	}
	// Composed and decomposed forms of the same text fold together.
	if key(t, "notion.tasks.create", map[string]any{"title": "Caf\u00e9"}) != key(t, "notion.tasks.create", map[string]any{"title": "Cafe\u0301"}) {
		t.Fatalf("unicode forms must not change the key")
	}
}

func TestIdempotencyKeyDistinguishesContent(t *testing.T) {
	base := map[string]any{"title": "Write spec", "project_id": "proj_1"}
	k1 := key(t, "notion.tasks.create", base)
	others := map[string]string{
		"project": key(t, "notion.tasks.create", map[string]any{"title": "Write spec", "project_id": "proj_2"}),
		"action":  key(t, "notion.tasks.update", base),
		"due":     key(t, "notion.tasks.create", map[string]any{"title": "Write spec", "project_id": "proj_1", "due": "2026-01-26"}),
	}
	for name, k := range others {
		if k == k1 {
			t.Fatalf("changing %s kept the key %s", name, k)
		}
	}
}

func TestIntentKeyPrefersRequestID(t *testing.T) {
	k1, err := IntentKey("alice", "req-1", map[string]any{"fields": map[string]any{"title": "a"}})
	if err != nil {
		t.Fatal(err)
	}
	k2, err := IntentKey("alice", " req-1 ", map[string]any{"fields": map[string]any{"title": "b"}})
	if err != nil {
		t.Fatal(err)
	}
	k3, err := IntentKey("bob", "req-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Fatalf("request_id should decide the key: %s vs %s", k1, k2)
	}
	if k1 == k3 {
		t.Fatalf("actors must not share intent keys")
	}
}

// encodeObject writes keys[i]:values[i] pairs in the given order, indented or compact.
func encodeObject(keys []string, values map[string]string, indent bool) string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(",")
		}
		if indent {
			sb.WriteString("\n    ")
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(values[k])
		sb.Write(kb)
		sb.WriteString(":")
		if indent {
			sb.WriteString(" ")
		}
		sb.Write(vb)
	}
	if indent {
		sb.WriteString("\n")
	}
	sb.WriteString("}")
	return sb.String()
}

func TestIdempotencyKeyDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("key order and whitespace never change the key", prop.ForAll(
		func(values map[string]string) bool {
			keys := SortedKeys(values)
			reversed := make([]string, len(keys))
			for i, k := range keys {
				reversed[len(keys)-1-i] = k
			}
			var a, b map[string]any
			if err := json.Unmarshal([]byte(encodeObject(keys, values, false)), &a); err != nil {
				return false
			}
			if err := json.Unmarshal([]byte(encodeObject(reversed, values, true)), &b); err != nil {
				return false
			}
			ka, errA := IdempotencyKey("notion.tasks.create", a)
			kb, errB := IdempotencyKey("notion.tasks.create", b)
			return errA == nil && errB == nil && ka == kb
		},
		gen.MapOf(gen.Identifier(), gen.AnyString()),
	))

	properties.Property("canonical form is a fixed point", prop.ForAll(
		func(values map[string]string) bool {
			first, err := Canonicalize(values)
			if err != nil {
				return false
			}
			var back any
			if err := json.Unmarshal(first, &back); err != nil {
				return false
			}
			second, err := Canonicalize(back)
			return err == nil && string(first) == string(second)
		},
		gen.MapOf(gen.AlphaString(), gen.AnyString()),
	))

	properties.TestingRun(t)
}

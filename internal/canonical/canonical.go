// Package canonical produces RFC 8785 canonical JSON and the content hashes
// derived from it. Every idempotency key and artifact hash goes through here.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// KeyLength is the number of hex characters kept from an action key digest.
const KeyLength = 32

// Canonicalize serializes v with sorted keys and no insignificant whitespace.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 lowercase hex digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and hashes the result.
func HashValue(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}

// identifierFields are the payload keys treated as resolved identifiers.
var identifierFields = []string{"project_id", "assignee_id", "task_id", "notion_page_id"}

// IdempotencyKey derives the action-level key from the action name and the
// resolved payload. Identifiers, the absolute due date and the normalized
// title are lifted out explicitly; the rest of the payload is folded in so
// distinct patches never collide.
func IdempotencyKey(action string, fields map[string]any) (string, error) {
	ids := map[string]any{}
	rest := map[string]any{}
	var due, title any
	for k, v := range fields {
		switch {
		case k == "due":
			due = v
		case k == "title":
			if s, ok := v.(string); ok {
				title = FoldTitle(s)
			} else {
				title = v
			}
		case contains(identifierFields, k):
			ids[k] = v
		default:
			rest[k] = v
		}
	}
	digest, err := HashValue(map[string]any{
		"action": action,
		"ids":    ids,
		"due":    due,
		"title":  title,
		"rest":   rest,
	})
	if err != nil {
		return "", err
	}
	return digest[:KeyLength], nil
}

// NormalizeTitle applies NFC normalization and collapses whitespace.
func NormalizeTitle(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// FoldTitle is NormalizeTitle followed by Unicode case folding.
func FoldTitle(s string) string {
	return cases.Fold().String(NormalizeTitle(s))
}

// IntentKey fingerprints an inbound request for replay detection. A caller
// supplied request id wins; otherwise the semantic content is hashed and
// transport metadata is ignored.
func IntentKey(actor, requestID string, content map[string]any) (string, error) {
	if strings.TrimSpace(requestID) != "" {
		return HashValue(map[string]any{"actor": actor, "request_id": strings.TrimSpace(requestID)})
	}
	return HashValue(map[string]any{"actor": actor, "content": content})
}

// SortedKeys returns the keys of m in byte order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}

package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// sensitiveKeys are metadata keys whose values never reach the ledger.
// Matching is case-insensitive and ignores '_' and '-'.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"accesstoken":   {},
	"refreshtoken":  {},
	"idtoken":       {},
	"secret":        {},
	"clientsecret":  {},
	"password":      {},
	"authorization": {},
	"apikey":        {},
	"cookie":        {},
}

// Redacted replaces the value of a sensitive metadata key.
const Redacted = "[redacted]"

// Redact returns a copy of m with sensitive values replaced, recursing into
// nested objects and arrays. m itself is not modified.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case []any:
		cp := make([]any, len(t))
		for i, item := range t {
			cp[i] = redactValue(item)
		}
		return cp
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	k = strings.ToLower(k)
	k = strings.NewReplacer("_", "", "-", "").Replace(k)
	_, ok := sensitiveKeys[k]
	return ok
}

// MemoryBackend keeps records in process memory. Used by tests and by
// run-once invocations without a database.
type MemoryBackend struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Head(_ context.Context) (int64, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.records) == 0 {
		return 0, "", nil
	}
	last := b.records[len(b.records)-1]
	return last.Seq, last.Hash, nil
}

func (b *MemoryBackend) Insert(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var next int64 = 1
	if n := len(b.records); n > 0 {
		next = b.records[n-1].Seq + 1
	}
	if rec.Seq != next {
		return fmt.Errorf("MemoryBackend.Insert: seq %d conflicts, next is %d", rec.Seq, next)
	}
	b.records = append(b.records, rec)
	return nil
}

func (b *MemoryBackend) ListRecent(_ context.Context, n int) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n > len(b.records) {
		n = len(b.records)
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]Record, 0, n)
	for i := len(b.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, b.records[i])
	}
	return out, nil
}

func (b *MemoryBackend) ListSince(_ context.Context, afterSeq int64, limit int) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Record
	for _, r := range b.records {
		if r.Seq <= afterSeq {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len reports how many records are stored.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

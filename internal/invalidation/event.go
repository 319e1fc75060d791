// Package invalidation describes catalog change events that make cached
// upstream responses stale.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

// Event announces that a STAC collection changed upstream. Items optionally
// names the affected items; the whole collection is invalidated either way
// because searches and statistics are cached per collection.
type Event struct {
	Version    int       `json:"version"`
	Op         string    `json:"op"`
	Collection string    `json:"collection"`
	TS         time.Time `json:"ts"`
	Items      []string  `json:"items,omitempty"`
	Source     string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete":
	default:
		return fmt.Errorf("op must be insert|update|delete")
	}
	if strings.TrimSpace(e.Collection) == "" {
		return fmt.Errorf("collection is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	for i, it := range e.Items {
		if strings.TrimSpace(it) == "" {
			return fmt.Errorf("items[%d] is empty", i)
		}
	}
	return nil
}

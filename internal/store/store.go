// Package store is the generic document persistence used by the gateway for
// conversation records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by GetByID and Update for unknown or deleted ids.
var ErrNotFound = errors.New("store: record not found")

// Record is one stored document. Data holds a JSON object.
type Record struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Store is a create/read/update/delete interface over Records.
type Store interface {
	// Create stores rec, assigning an id and timestamps when unset.
	Create(ctx context.Context, rec Record) (Record, error)
	GetByID(ctx context.Context, id string) (*Record, error)
	// Update merges the top-level keys of patch into the record's data.
	Update(ctx context.Context, id string, patch map[string]any) (Record, error)
	// Delete reports whether a record was removed.
	Delete(ctx context.Context, id string) (bool, error)
}

func prepareCreate(rec Record, now time.Time) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if len(rec.Data) == 0 {
		rec.Data = json.RawMessage("{}")
	}
	if !json.Valid(rec.Data) {
		return Record{}, fmt.Errorf("store: record %s: data is not valid JSON", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return rec, nil
}

// mergePatch applies patch to a JSON object. A nil patch value removes the key.
func mergePatch(data json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("store: existing data is not an object: %w", err)
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("store: encode patch: %w", err)
	}
	return out, nil
}

// Package mock provides an in-memory api.Client for tests. Hooks let a
// test inject failures or hold a response to force completions to arrive
// out of order.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/taskdeck/taskdeck.go/pkg/api"
	"github.com/taskdeck/taskdeck.go/pkg/models"
)

// APIClient is a scripted implementation of api.Client backed by an
// in-memory document table.
//
// The Before* hooks run before the operation touches the table, outside
// any lock, so a hook may block on a channel to delay the response or
// return an error to fail the request.
type APIClient struct {
	BeforeCreate func(kind models.Kind, payload any) error
	BeforeUpdate func(kind models.Kind, id string, patch models.Patch) error
	BeforeDelete func(kind models.Kind, id string) error
	BeforeFetch  func(kind models.Kind, id string) error

	MarkReadErr    error
	MarkAllReadErr error

	mu      sync.Mutex
	docs    map[models.Kind]map[string]map[string]any
	nextID  int
	nextRev int64

	MarkReadCalls    []string
	MarkAllReadCalls int
}

// NewAPIClient returns an empty client. Revisions start at 1000 and
// increase by one per confirmed mutation.
func NewAPIClient() *APIClient {
	return &APIClient{
		docs:    make(map[models.Kind]map[string]map[string]any),
		nextRev: 1000,
	}
}

var _ api.Client = (*APIClient)(nil)

// Seed inserts a document without bumping revisions, returning its
// server record.
func (c *APIClient) Seed(kind models.Kind, id string, rev models.Revision, fields map[string]any) *api.ServerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		doc[k] = v
	}
	doc["id"] = id
	doc["revision"] = int64(rev)
	c.table(kind)[id] = doc
	return mustRecord(doc)
}

// Doc returns a copy of the stored document.
func (c *APIClient) Doc(kind models.Kind, id string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.table(kind)[id]
	if !ok {
		return nil, false
	}
	cp := make(map[string]any, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	return cp, true
}

func (c *APIClient) Create(ctx context.Context, kind models.Kind, payload any) (*api.ServerRecord, error) {
	if c.BeforeCreate != nil {
		if err := c.BeforeCreate(kind, payload); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &api.NetworkError{Err: err}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &api.NetworkError{Err: err}
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &api.NetworkError{Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.nextRev++
	id := fmt.Sprintf("%s-%d", kind, c.nextID)
	doc["id"] = id
	doc["revision"] = c.nextRev
	c.table(kind)[id] = doc
	return mustRecord(doc), nil
}

func (c *APIClient) Update(ctx context.Context, kind models.Kind, id string, patch models.Patch) (*api.ServerRecord, error) {
	if c.BeforeUpdate != nil {
		if err := c.BeforeUpdate(kind, id, patch); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &api.NetworkError{Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.table(kind)[id]
	if !ok {
		return nil, &api.NotFoundError{Kind: kind, ID: id}
	}
	for k, v := range patch {
		doc[k] = v
	}
	c.nextRev++
	doc["revision"] = c.nextRev
	return mustRecord(doc), nil
}

func (c *APIClient) Delete(ctx context.Context, kind models.Kind, id string) error {
	if c.BeforeDelete != nil {
		if err := c.BeforeDelete(kind, id); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return &api.NetworkError{Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.table(kind)[id]; !ok {
		return &api.NotFoundError{Kind: kind, ID: id}
	}
	delete(c.table(kind), id)
	return nil
}

func (c *APIClient) Fetch(ctx context.Context, kind models.Kind, id string) (*api.ServerRecord, error) {
	if c.BeforeFetch != nil {
		if err := c.BeforeFetch(kind, id); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.table(kind)[id]
	if !ok {
		return nil, &api.NotFoundError{Kind: kind, ID: id}
	}
	return mustRecord(doc), nil
}

func (c *APIClient) MarkNotificationRead(ctx context.Context, id string) error {
	c.mu.Lock()
	c.MarkReadCalls = append(c.MarkReadCalls, id)
	c.mu.Unlock()
	return c.MarkReadErr
}

func (c *APIClient) MarkAllNotificationsRead(ctx context.Context) error {
	c.mu.Lock()
	c.MarkAllReadCalls++
	c.mu.Unlock()
	return c.MarkAllReadErr
}

func (c *APIClient) table(kind models.Kind) map[string]map[string]any {
	t, ok := c.docs[kind]
	if !ok {
		t = make(map[string]map[string]any)
		c.docs[kind] = t
	}
	return t
}

func mustRecord(doc map[string]any) *api.ServerRecord {
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("mock: marshal document: %v", err))
	}
	rec, err := api.ParseServerRecord(raw)
	if err != nil {
		panic(fmt.Sprintf("mock: parse server record: %v", err))
	}
	return rec
}

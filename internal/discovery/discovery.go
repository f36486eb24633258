// Package discovery queries the indexer for entities that need automation.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned internally when the indexer has no record for an entity.
// EntityDetail maps it to a nil detail.
var ErrNotFound = errors.New("entity not found")

// EntitySummary is one candidate from an active-entities query. Only identity and initial
// context are carried.
type EntitySummary struct {
	Kind   string
	Key    string
	ID     string
	Fields map[string]any
}

// EntityDetail is the current externally observed state of one entity.
type EntityDetail struct {
	Kind   string
	Key    string
	Status string
	Fields map[string]any
}

// String returns fields[name] as a string, formatting numbers without exponent.
func (d *EntityDetail) String(name string) string {
	return fieldString(d.Fields, name)
}

// String returns fields[name] as a string.
func (s EntitySummary) String(name string) string {
	return fieldString(s.Fields, name)
}

// Query selects active entities of one collection.
type Query struct {
	Kind       string
	Collection string
	// Where is passed as the GraphQL `where` argument.
	Where map[string]any
	// KeyFields are joined with "-" to form the entity key.
	KeyFields []string
	// Fields are additional scalar fields to fetch.
	Fields []string
}

// Service is the contract the supervisor and workers depend on.
type Service interface {
	ActiveEntities(ctx context.Context, q Query) ([]EntitySummary, error)
	EntityDetail(ctx context.Context, q DetailQuery) (*EntityDetail, error)
}

// DetailQuery selects one entity by id.
type DetailQuery struct {
	Kind string
	Key  string
	// Entity is the single-entity query field, e.g. "battle".
	Entity string
	ID     string
	Fields []string
}

// Config configures a Client.
type Config struct {
	URL      string
	APIKey   string
	PageSize int
	Timeout  time.Duration
}

// Client is a paginated GraphQL client for the indexer.
type Client struct {
	url      string
	apiKey   string
	pageSize int
	timeout  time.Duration
	client   *http.Client
	group    singleflight.Group
	logger   *zap.Logger
}

var _ Service = (*Client)(nil)

// NewClient creates a discovery client. cfg.Timeout bounds every request, whatever http
// client is supplied.
func NewClient(cfg Config, client *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		url:      cfg.URL,
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		timeout:  cfg.Timeout,
		client:   client,
		logger:   logger.With(zap.String("component", "discovery")),
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []graphQLError             `json:"errors"`
}

type page struct {
	Items    []map[string]any `json:"items"`
	PageInfo struct {
		HasNextPage bool   `json:"hasNextPage"`
		EndCursor   string `json:"endCursor"`
	} `json:"pageInfo"`
}

// ActiveEntities pages through every result of q.
func (c *Client) ActiveEntities(ctx context.Context, q Query) ([]EntitySummary, error) {
	if q.Collection == "" || len(q.KeyFields) == 0 {
		return nil, fmt.Errorf("query for %q needs a collection and key fields", q.Kind)
	}

	document := listDocument(q)
	var (
		out    []EntitySummary
		cursor string
		pages  int
	)
	for {
		vars := map[string]any{"where": q.Where, "limit": c.pageSize}
		if cursor != "" {
			vars["after"] = cursor
		}

		var p page
		if err := c.do(ctx, document, vars, q.Collection, &p); err != nil {
			return nil, fmt.Errorf("query %s page %d: %w", q.Collection, pages+1, err)
		}
		pages++

		for _, item := range p.Items {
			key, ok := joinKey(item, q.KeyFields)
			if !ok {
				c.logger.Warn("skipping entity without key fields",
					zap.String("kind", q.Kind),
					zap.Strings("key_fields", q.KeyFields),
				)
				continue
			}
			out = append(out, EntitySummary{
				Kind:   q.Kind,
				Key:    key,
				ID:     fieldString(item, "id"),
				Fields: item,
			})
		}

		if !p.PageInfo.HasNextPage {
			break
		}
		if p.PageInfo.EndCursor == "" || p.PageInfo.EndCursor == cursor {
			return nil, fmt.Errorf("query %s: page %d reports more results without a new cursor", q.Collection, pages)
		}
		cursor = p.PageInfo.EndCursor
	}

	c.logger.Debug("active entities",
		zap.String("kind", q.Kind),
		zap.Int("count", len(out)),
		zap.Int("pages", pages),
	)
	return out, nil
}

// EntityDetail fetches the current state of one entity. It returns nil, nil when the
// indexer has no record. Concurrent lookups of the same entity share one request, which is
// detached from any single caller so one caller giving up does not fail the others.
func (c *Client) EntityDetail(ctx context.Context, q DetailQuery) (*EntityDetail, error) {
	flight := q.Entity + "/" + q.ID
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flight, func() (any, error) {
		var item map[string]any
		err := c.do(shared, detailDocument(q), map[string]any{"id": q.ID}, q.Entity, &item)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, ErrNotFound
		}
		return item, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("detail %s %s: %w", q.Kind, q.ID, ctx.Err())
	case res = <-ch:
	}
	if errors.Is(res.Err, ErrNotFound) {
		return nil, nil
	}
	if res.Err != nil {
		return nil, fmt.Errorf("detail %s %s: %w", q.Kind, q.ID, res.Err)
	}

	fields := res.Val.(map[string]any)
	return &EntityDetail{
		Kind:   q.Kind,
		Key:    q.Key,
		Status: fieldString(fields, "status"),
		Fields: fields,
	}, nil
}

// do posts one GraphQL document and decodes data[field] into out. The request is bounded by
// the client timeout.
func (c *Client) do(ctx context.Context, document string, vars map[string]any, field string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(graphQLRequest{Query: document, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("query request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("indexer returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var result graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode query response: %w", err)
	}
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}

	raw, ok := result.Data[field]
	if !ok {
		return fmt.Errorf("response has no %q field", field)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", field, err)
	}
	return nil
}

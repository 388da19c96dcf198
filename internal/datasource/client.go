// Package datasource talks to the external table store. The wire protocol
// is PostgREST-flavored: rows come from GET /rest/v1/{table} with Range
// header pagination, column metadata from GET /schema/{table}.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/mvaldes-io/tabletalk/internal/frame"
)

const defaultPageSize = 1000

// Column is one column of a remote table, with the store's raw dtype.
type Column struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
}

// Kind normalizes the store dtype.
func (c Column) Kind() frame.Kind { return frame.NormalizeKind(c.DType) }

// TableSchema describes one remote table.
type TableSchema struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

// HasColumn reports whether the table declares the named column.
func (ts TableSchema) HasColumn(name string) bool {
	for _, c := range ts.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Kinds maps column names to normalized kinds.
func (ts TableSchema) Kinds() map[string]frame.Kind {
	out := make(map[string]frame.Kind, len(ts.Columns))
	for _, c := range ts.Columns {
		out[c.Name] = c.Kind()
	}
	return out
}

// Schema is the per-session schema cache keyed by table name.
type Schema map[string]TableSchema

// Tables lists cached table names, sorted for stable prompts.
func (s Schema) Tables() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Error wraps a failed store interaction. Failures are surfaced, never
// silently substituted with stale data.
type Error struct {
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("datasource: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client fetches schemas and rows from the table store.
type Client struct {
	baseURL  string
	apiKey   string
	pageSize int
	http     *http.Client

	mu     sync.Mutex
	schema Schema // read-through cache for row coercion
}

// Option configures a Client.
type Option func(*Client)

// WithPageSize overrides the pagination window.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		pageSize: defaultPageSize,
		http:     &http.Client{Timeout: 30 * time.Second},
		schema:   Schema{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) get(ctx context.Context, path string, query url.Values, rangeHdr string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if rangeHdr != "" {
		req.Header.Set("Range", rangeHdr)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// FetchSchema retrieves column metadata for each table.
func (c *Client) FetchSchema(ctx context.Context, tables []string) (Schema, error) {
	out := Schema{}
	for _, table := range tables {
		body, err := c.get(ctx, "/schema/"+url.PathEscape(table), nil, "")
		if err != nil {
			return nil, &Error{Op: "fetch_schema", Table: table, Err: err}
		}
		var cols []Column
		if err := json.Unmarshal(body, &cols); err != nil {
			return nil, &Error{Op: "fetch_schema", Table: table, Err: err}
		}
		ts := TableSchema{Table: table, Columns: cols}
		out[table] = ts
		c.mu.Lock()
		c.schema[table] = ts
		c.mu.Unlock()
	}
	return out, nil
}

func (c *Client) tableSchema(ctx context.Context, table string) (TableSchema, error) {
	c.mu.Lock()
	ts, ok := c.schema[table]
	c.mu.Unlock()
	if ok {
		return ts, nil
	}
	s, err := c.FetchSchema(ctx, []string{table})
	if err != nil {
		return TableSchema{}, err
	}
	return s[table], nil
}

// FetchRows reads all matching rows of a table into a Frame, paginating
// with the Range header. Filters use PostgREST operator syntax, e.g.
// {"region": "eq.EU"}; an empty map loads the whole table.
func (c *Client) FetchRows(ctx context.Context, table string, filters map[string]string) (*frame.Frame, error) {
	ts, err := c.tableSchema(ctx, table)
	if err != nil {
		return nil, err
	}

	query := url.Values{"select": []string{"*"}}
	for col, expr := range filters {
		query.Set(col, expr)
	}

	var rows []map[string]any
	start := 0
	for {
		rangeHdr := fmt.Sprintf("%d-%d", start, start+c.pageSize-1)
		body, err := c.get(ctx, "/rest/v1/"+url.PathEscape(table), query, rangeHdr)
		if err != nil {
			return nil, &Error{Op: "fetch_rows", Table: table, Err: err}
		}
		var batch []map[string]any
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, &Error{Op: "fetch_rows", Table: table, Err: err}
		}
		if len(batch) == 0 {
			break
		}
		rows = append(rows, batch...)
		start += len(batch)
		if len(batch) < c.pageSize {
			break
		}
	}

	// An empty table is a valid result; the schema still names its columns.
	if len(rows) == 0 {
		cols := make([]string, len(ts.Columns))
		for i, c := range ts.Columns {
			cols[i] = c.Name
		}
		f, err := frame.Empty(cols, ts.Kinds())
		if err != nil {
			return nil, &Error{Op: "fetch_rows", Table: table, Err: err}
		}
		return f, nil
	}
	f, err := frame.FromMaps(rows, ts.Kinds())
	if err != nil {
		return nil, &Error{Op: "fetch_rows", Table: table, Err: err}
	}
	return f, nil
}

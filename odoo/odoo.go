// Package odoo looks up scanned codes in an Odoo inventory over its
// JSON-RPC interface.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

// ErrNotFound is returned when no product matches a code.
var ErrNotFound = errors.New("product not found")

// Client calls models of an Odoo instance with an existing web session.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string // Without trailing slash.
	SessionID  string // Value of the session_id cookie.

	// Context passed with each call, for example company_id and
	// allowed_company_ids.
	Context map[string]interface{}

	lastID atomic.Int64
}

// IsAllowedBase returns whether base is an http(s) URL whose scheme and
// host are in allowed, for example "https://erp.example.com".
func IsAllowedBase(base string, allowed []string) bool {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	origin := u.Scheme + "://" + u.Host
	for _, a := range allowed {
		if strings.TrimRight(strings.TrimSpace(a), "/") == origin {
			return true
		}
	}
	return false
}

// NewClient returns a client for base, which must be allowed.
// If you need custom HTTP handling, e.g. for proxy settings, you can override
// the default HTTPClient.
func NewClient(base, sessionID string, allowed []string) (*Client, error) {
	base = strings.TrimRight(base, "/")
	if !IsAllowedBase(base, allowed) {
		return nil, fmt.Errorf("odoo base %q missing or not allowed", base)
	}
	return &Client{HTTPClient: http.DefaultClient, BaseURL: base, SessionID: sessionID}, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type callParams struct {
	Model  string                 `json:"model"`
	Method string                 `json:"method"`
	Args   []interface{}          `json:"args"`
	Kwargs map[string]interface{} `json:"kwargs"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is an error returned by Odoo in a JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (e *RPCError) Error() string {
	msg := e.Data.Message
	if msg == "" {
		msg = e.Message
	}
	if msg == "" {
		msg = "odoo rpc error"
	}
	return msg
}

// Call runs method on model with args and kwargs through
// /web/dataset/call_kw, and unmarshals the result into out, unless out is
// nil. For HTTP-related errors, the (wrapped) underlying errors from net/http
// or an HTTPError can be returned; errors reported by Odoo are an *RPCError.
func (c *Client) Call(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}, out interface{}) error {
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	if c.Context != nil {
		if _, ok := kwargs["context"]; !ok {
			kwargs["context"] = c.Context
		}
	}
	if args == nil {
		args = []interface{}{}
	}
	buf, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.lastID.Add(1),
		Method:  "call",
		Params:  callParams{model, method, args, kwargs},
	})
	if err != nil {
		return fmt.Errorf("marshal request to JSON: %w", err)
	}

	url := c.BaseURL + "/web/dataset/call_kw"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("new HTTP request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	if c.SessionID != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: c.SessionID})
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// Attempt to read a response message to use in error message, otherwise use http status message.
		msg := resp.Status
		buf, err := io.ReadAll(io.LimitReader(resp.Body, 300))
		if err == nil && len(buf) > 0 {
			msg = string(buf)
		}
		return HTTPError{resp.StatusCode, msg}
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("invalid JSON from %s: %w", url, err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("parsing result: %w", err)
	}
	return nil
}

// Text is an Odoo char field, which is false instead of empty.
type Text string

func (t *Text) UnmarshalJSON(buf []byte) error {
	if string(buf) == "false" || string(buf) == "null" {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(buf, &s); err != nil {
		return err
	}
	*t = Text(s)
	return nil
}

// Product is a product.product record.
type Product struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Barcode       Text    `json:"barcode"`
	DefaultCode   Text    `json:"default_code"`
	QtyAvailable  float64 `json:"qty_available"`
	FreeQty       float64 `json:"free_qty"`
	ListPrice     float64 `json:"list_price"`
	StandardPrice float64 `json:"standard_price"`
}

var productFields = []string{"id", "name", "barcode", "default_code", "qty_available", "free_qty", "list_price", "standard_price"}

// FindProduct returns the product whose barcode or internal reference is
// code. If none matches, ErrNotFound is returned.
func (c *Client) FindProduct(ctx context.Context, code string) (*Product, error) {
	domain := []interface{}{
		"|",
		[]interface{}{"barcode", "=", code},
		[]interface{}{"default_code", "=", code},
	}
	var l []Product
	err := c.Call(ctx, "product.product", "search_read", []interface{}{domain, productFields}, map[string]interface{}{"limit": 1}, &l)
	if err != nil {
		return nil, fmt.Errorf("searching product %q: %w", code, err)
	}
	if len(l) == 0 {
		return nil, ErrNotFound
	}
	return &l[0], nil
}

var codePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{0,11}$`)

// ValidateCode checks the shape of an internal reference: a letter followed
// by letters or digits, 2 to 12 characters in total once other characters
// are stripped. It returns the cleaned code in upper case.
func ValidateCode(text string) (string, bool) {
	cleaned := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, text)
	if len(cleaned) < 2 || !codePattern.MatchString(cleaned) {
		return "", false
	}
	return strings.ToUpper(cleaned), true
}

// HTTPError represents an HTTP error code and message.
type HTTPError struct {
	Code   int    // HTTP status code, eg 401 or 500.
	Status string // Status message, either from body or the HTTP response status line.
}

// Error returns a human-readable description of the HTTP error.
func (e HTTPError) Error() string {
	return fmt.Sprintf("http response error, code %d: %s", e.Code, e.Status)
}

// Ensure HTTPError implements the error interface.
var _ error = HTTPError{}

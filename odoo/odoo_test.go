package odoo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type capturedCall struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  struct {
		Model  string                 `json:"model"`
		Method string                 `json:"method"`
		Args   []json.RawMessage      `json:"args"`
		Kwargs map[string]interface{} `json:"kwargs"`
	} `json:"params"`
}

func TestFindProduct(t *testing.T) {
	var call capturedCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/web/dataset/call_kw" || r.Method != "POST" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if ck, err := r.Cookie("session_id"); err != nil || ck.Value != "s3cret" {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		call = capturedCall{}
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var domain []interface{}
		json.Unmarshal(call.Params.Args[0], &domain)
		code := domain[1].([]interface{})[2]
		w.Header().Set("Content-Type", "application/json")
		switch code {
		case "A1B2C3D4":
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":[{"id":7,"name":"Widget","barcode":false,"default_code":"A1B2C3D4","qty_available":12,"free_qty":10,"list_price":9.5,"standard_price":4}]}`))
		case "BROKEN":
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":200,"message":"Odoo Server Error","data":{"name":"odoo.exceptions.AccessError","message":"access denied"}}}`))
		default:
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":[]}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c, err := NewClient(srv.URL+"/", "s3cret", []string{srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.Context = map[string]interface{}{"company_id": 1}

	p, err := c.FindProduct(ctx, "A1B2C3D4")
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if p.ID != 7 || p.Name != "Widget" || p.Barcode != "" || p.DefaultCode != "A1B2C3D4" || p.FreeQty != 10 {
		t.Fatalf("unexpected product %+v", p)
	}
	if call.JSONRPC != "2.0" || call.Method != "call" || call.Params.Model != "product.product" || call.Params.Method != "search_read" {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.Params.Kwargs["limit"] != float64(1) {
		t.Fatalf("unexpected kwargs %v", call.Params.Kwargs)
	}
	if ctx, ok := call.Params.Kwargs["context"].(map[string]interface{}); !ok || ctx["company_id"] != float64(1) {
		t.Fatalf("context not sent: %v", call.Params.Kwargs)
	}

	if _, err := c.FindProduct(ctx, "Z9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, expected ErrNotFound", err)
	}

	_, err = c.FindProduct(ctx, "BROKEN")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Error() != "access denied" {
		t.Fatalf("got %v, expected rpc error", err)
	}

	c.SessionID = "stale"
	_, err = c.FindProduct(ctx, "A1B2C3D4")
	var httpErr HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("got %v, expected http 401", err)
	}
}

func TestAllowedBase(t *testing.T) {
	allowed := []string{"https://erp.example.com/", " http://localhost:8069"}
	for base, exp := range map[string]bool{
		"https://erp.example.com":          true,
		"https://erp.example.com/odoo":     true,
		"http://localhost:8069":            true,
		"http://erp.example.com":           false,
		"https://evil.example.com":         false,
		"ftp://erp.example.com":            false,
		"":                                 false,
		"https://erp.example.com.evil.org": false,
	} {
		if got := IsAllowedBase(base, allowed); got != exp {
			t.Fatalf("%q: got %v, expected %v", base, got, exp)
		}
	}
	if _, err := NewClient("https://evil.example.com", "", allowed); err == nil {
		t.Fatalf("missing error for base that is not allowed")
	}
}

func TestValidateCode(t *testing.T) {
	for text, exp := range map[string]string{
		"a1b2c3d4":      "A1B2C3D4",
		" AB-12 ":       "AB12",
		"ABCDEFGHIJKL":  "ABCDEFGHIJKL",
		"ABCDEFGHIJKLM": "",
		"1ABC":          "",
		"A":             "",
		"":              "",
	} {
		got, ok := ValidateCode(text)
		if got != exp || ok != (exp != "") {
			t.Fatalf("%q: got %q %v, expected %q", text, got, ok, exp)
		}
	}
}

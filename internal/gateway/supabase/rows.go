package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ButyrinIA/blogclient/internal/gateway"
)

type rowsClient struct {
	client *Client
}

func (r *rowsClient) Query(ctx context.Context, q gateway.Query) (*gateway.Result, error) {
	params := url.Values{}
	params.Set("select", selectClause(q.Columns, q.Embeds))
	addFilters(params, q.Filters)
	if len(q.Order) > 0 {
		params.Set("order", orderClause(q.Order))
	}
	addEmbedOrders(params, "", q.Embeds)
	if q.Range != nil {
		params.Set("offset", strconv.Itoa(q.Range.From))
		params.Set("limit", strconv.Itoa(q.Range.To-q.Range.From+1))
	}

	headers := map[string]string{}
	if q.Count {
		headers["Prefer"] = "count=exact"
	}

	resp, err := r.client.request(ctx, http.MethodGet, r.tableURL(q.Table, params), nil, headers, true)
	if err != nil {
		return nil, transportError(gateway.KindQuery, err)
	}
	// смещение за концом выборки: PostgREST отвечает 416 и Content-Range "*/N"
	if resp.statusCode == http.StatusRequestedRangeNotSatisfiable && q.Count {
		if total, err := parseContentRange(resp.header.Get("Content-Range")); err == nil {
			return &gateway.Result{Records: []json.RawMessage{}, TotalCount: total}, nil
		}
	}
	if resp.statusCode >= 400 {
		return nil, parseError(gateway.KindQuery, resp.body, resp.statusCode)
	}

	var records []json.RawMessage
	if err := decode(gateway.KindQuery, resp.body, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []json.RawMessage{}
	}

	result := &gateway.Result{Records: records}
	if q.Count {
		total, err := parseContentRange(resp.header.Get("Content-Range"))
		if err != nil {
			return nil, gateway.Errorf(gateway.KindQuery, err, "parse count: %v", err)
		}
		result.TotalCount = total
	}
	return result, nil
}

func (r *rowsClient) Insert(ctx context.Context, table gateway.Table, payload gateway.Record) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, gateway.Errorf(gateway.KindWrite, err, "marshal request: %v", err)
	}

	resp, err := r.client.request(ctx, http.MethodPost, r.tableURL(table, nil), body, map[string]string{"Prefer": "return=representation"}, false)
	if err != nil {
		return nil, transportError(gateway.KindWrite, err)
	}
	if resp.statusCode >= 400 {
		return nil, parseError(gateway.KindWrite, resp.body, resp.statusCode)
	}

	var records []json.RawMessage
	if err := decode(gateway.KindWrite, resp.body, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, gateway.NewError(gateway.KindWrite, "insert returned no rows")
	}
	return records[0], nil
}

func (r *rowsClient) Update(ctx context.Context, table gateway.Table, filters []gateway.Filter, payload gateway.Record) ([]json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, gateway.Errorf(gateway.KindWrite, err, "marshal request: %v", err)
	}

	params := url.Values{}
	addFilters(params, filters)

	resp, err := r.client.request(ctx, http.MethodPatch, r.tableURL(table, params), body, map[string]string{"Prefer": "return=representation"}, true)
	if err != nil {
		return nil, transportError(gateway.KindWrite, err)
	}
	if resp.statusCode >= 400 {
		return nil, parseError(gateway.KindWrite, resp.body, resp.statusCode)
	}

	var records []json.RawMessage
	if err := decode(gateway.KindWrite, resp.body, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *rowsClient) Delete(ctx context.Context, table gateway.Table, filters []gateway.Filter) error {
	params := url.Values{}
	addFilters(params, filters)

	resp, err := r.client.request(ctx, http.MethodDelete, r.tableURL(table, params), nil, nil, true)
	if err != nil {
		return transportError(gateway.KindWrite, err)
	}
	if resp.statusCode >= 400 {
		return parseError(gateway.KindWrite, resp.body, resp.statusCode)
	}
	return nil
}

func (r *rowsClient) tableURL(table gateway.Table, params url.Values) string {
	u := r.client.restURL + "/" + url.PathEscape(string(table))
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// selectClause строит параметр select PostgREST, например
// "*,author:users!author_id(email),comments(count)".
func selectClause(columns []string, embeds []gateway.Embed) string {
	parts := make([]string, 0, len(columns)+len(embeds))
	if len(columns) == 0 {
		parts = append(parts, "*")
	} else {
		parts = append(parts, columns...)
	}

	for _, e := range embeds {
		var inner string
		if e.CountOnly {
			inner = "count"
		} else {
			inner = selectClause(e.Columns, e.Embeds)
		}

		resource := string(e.Table)
		if e.ToOne {
			resource += "!" + e.ForeignKey
		}
		if e.Alias != "" && e.Alias != string(e.Table) {
			resource = e.Alias + ":" + resource
		}
		parts = append(parts, fmt.Sprintf("%s(%s)", resource, inner))
	}
	return strings.Join(parts, ",")
}

func orderClause(order []gateway.Order) string {
	parts := make([]string, 0, len(order))
	for _, o := range order {
		dir := "desc"
		if o.Ascending {
			dir = "asc"
		}
		parts = append(parts, o.Column+"."+dir)
	}
	return strings.Join(parts, ",")
}

// addEmbedOrders добавляет порядок встроенных ресурсов: comments.order=created_at.asc
func addEmbedOrders(params url.Values, prefix string, embeds []gateway.Embed) {
	for _, e := range embeds {
		name := e.Alias
		if name == "" {
			name = string(e.Table)
		}
		path := prefix + name
		if len(e.Order) > 0 && !e.CountOnly {
			params.Set(path+".order", orderClause(e.Order))
		}
		addEmbedOrders(params, path+".", e.Embeds)
	}
}

func addFilters(params url.Values, filters []gateway.Filter) {
	for _, f := range filters {
		switch f.Op {
		case gateway.OpIn:
			params.Add(f.Column, "in.("+strings.Join(listValues(f.Value), ",")+")")
		default:
			if f.Value == nil {
				params.Add(f.Column, "is.null")
				continue
			}
			params.Add(f.Column, "eq."+fmt.Sprint(f.Value))
		}
	}
}

func listValues(v any) []string {
	var raw []string
	switch vs := v.(type) {
	case []string:
		raw = vs
	case []any:
		for _, x := range vs {
			raw = append(raw, fmt.Sprint(x))
		}
	default:
		raw = []string{fmt.Sprint(v)}
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if strings.ContainsAny(s, `,()"`) {
			s = `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
		}
		out = append(out, s)
	}
	return out
}

// parseContentRange извлекает общее число строк из "0-4/12" или "*/0".
func parseContentRange(header string) (int, error) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", header)
	}
	total := header[idx+1:]
	if total == "*" {
		return 0, fmt.Errorf("count not provided in Content-Range %q", header)
	}
	return strconv.Atoi(total)
}

package fetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/noticecomb/notice-comb/app/source"
)

const formContentType = "application/x-www-form-urlencoded; charset=UTF-8"

// PageURL resolves the listing URL for a cursor. The first page is always
// entry_url; later pages rewrite the path_pattern capture group when it
// matches, and otherwise set page_param in the query string.
func PageURL(d *source.Descriptor, cursor int) (string, error) {
	entry := d.EntryURL
	if d.PaginationMode != source.PaginationHTML || cursor == d.FirstCursor() {
		return entry, nil
	}

	page := strconv.Itoa(cursor)

	if d.Pagination.PathPattern != "" {
		re, err := regexp.Compile(d.Pagination.PathPattern)
		if err != nil {
			return "", fmt.Errorf("invalid path pattern: %w", err)
		}
		if m := re.FindStringSubmatchIndex(entry); m != nil && len(m) >= 4 && m[2] >= 0 {
			return entry[:m[2]] + page + entry[m[3]:], nil
		}
	}

	u, err := url.Parse(entry)
	if err != nil {
		return "", fmt.Errorf("invalid entry url: %w", err)
	}
	q := u.Query()
	q.Set(d.Pagination.PageParam, page)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// APIParams renders the payload template for a cursor.
func APIParams(d *source.Descriptor, cursor int) map[string]string {
	page := strconv.Itoa(cursor)
	params := make(map[string]string, len(d.Payload)+1)
	for k, v := range d.Payload {
		params[k] = strings.ReplaceAll(v, source.PageToken, page)
	}
	if d.PaginationMode == source.PaginationAPI {
		if _, ok := d.Payload[d.Pagination.PageParam]; !ok {
			params[d.Pagination.PageParam] = page
		}
	}
	return params
}

func newAPIRequest(ctx context.Context, d *source.Descriptor, cursor int) (*http.Request, error) {
	params := APIParams(d, cursor)

	var body io.Reader
	contentType := ""
	target := d.APIEndpoint

	switch d.Request.Encoding {
	case source.EncodingJSON:
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json; charset=UTF-8"
	default:
		values := url.Values{}
		for k, v := range params {
			if d.Request.Encoding == source.EncodingFormBase64 {
				v = base64.StdEncoding.EncodeToString([]byte(v))
			}
			values.Set(k, v)
		}
		if d.Request.Method == http.MethodGet {
			u, err := url.Parse(target)
			if err != nil {
				return nil, fmt.Errorf("invalid api endpoint: %w", err)
			}
			q := u.Query()
			for k, v := range values {
				q[k] = v
			}
			u.RawQuery = q.Encode()
			target = u.String()
		} else {
			body = strings.NewReader(values.Encode())
			contentType = formContentType
		}
	}

	method := d.Request.Method
	if method == "" {
		method = http.MethodPost
	}
	if method == http.MethodGet {
		body = nil
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	return req, nil
}

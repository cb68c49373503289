package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
)

// Result is a fully-read backend response.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// Do sends req and reads the whole response body.
//
// Tile payloads are small, so buffering them keeps relaying and
// fan-out to coalesced waiters simple.
func Do(client *http.Client, req *http.Request) (Result, error) {
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}

	return Result{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Request builds an outbound request against base keeping method, path,
// query and body of the given parameters.
func Request(ctx context.Context, method string, base string, pathAndQuery string, header http.Header, body []byte) (*http.Request, error) {
	url := strings.TrimSuffix(base, "/") + pathAndQuery

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	CopyHeader(req.Header, header, "host", "connection", "content-length")
	return req, nil
}

// CopyHeader copies src into dest, skipping the keys listed in except
// (case-insensitive).
func CopyHeader(dest http.Header, src http.Header, except ...string) {
	exc := map[string]struct{}{}
	for _, x := range except {
		exc[strings.ToLower(x)] = struct{}{}
	}

	for k, vs := range src {
		if _, ok := exc[strings.ToLower(k)]; ok {
			continue
		}
		for _, v := range vs {
			dest.Add(k, v)
		}
	}
}

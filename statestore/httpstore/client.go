// Package httpstore exposes a statestore.Store over HTTP and provides the
// matching client. Versions travel in ETag / If-Match headers, and
// If-None-Match: * requests create-only writes.
//
//	GET    /kv/{key}            200 + ETag, 404
//	PUT    /kv/{key}            If-Match or If-None-Match: *; 200 + ETag, 412
//	DELETE /kv/{key}            204
//	GET    /list?prefix={p}     200 + JSON array of keys
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/statestore"
)

const DefaultHttpTries = 7 // ~2min total of trying with exponential backoff (0 and 1 both mean 1 try total)

// Client is the subset of *http.Client and *pester.Client we use.
type Client interface {
	Do(req *http.Request) (resp *http.Response, err error)
}

// MakePesterClient returns a client that retries transient failures with
// exponential backoff.
func MakePesterClient(tries int) *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = tries
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying after failed attempt: %+v", e)
	}
	return client
}

// MakeHTTPStore returns a store talking to the server rooted at rootURI.
//
// List and Delete never answer with a 4xx in normal operation and are retried
// inside the pester client. Get and PutIfMatch are sent once: pester retries
// every status >= 400, which would turn a plain 404 or 412 answer into minutes
// of backoff, and a blind resend of a put that may have landed would turn our
// own success into a conflict. Wrap the store with statestore.NewRetryingStore
// to retry those safely.
func MakeHTTPStore(rootURI string) statestore.Store {
	return MakeCustomHTTPStore(rootURI, MakePesterClient(DefaultHttpTries), MakePesterClient(1))
}

func MakeCustomHTTPStore(rootURI string, retryingClient, singleClient Client) statestore.Store {
	rootURI = strings.TrimSuffix(rootURI, "/")
	log.Infof("Making new HTTP state store with root URI: %s", rootURI)
	return &httpStore{rootURI: rootURI, retrying: retryingClient, single: singleClient}
}

type httpStore struct {
	rootURI  string
	retrying Client
	single   Client
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (s *httpStore) keyURI(key string) string {
	return s.rootURI + "/kv/" + escapeKey(key)
}

func quoteVersion(v statestore.Version) string {
	return strconv.Quote(string(v))
}

func unquoteVersion(etag string) statestore.Version {
	if v, err := strconv.Unquote(etag); err == nil {
		return statestore.Version(v)
	}
	return statestore.Version(etag)
}

// statusError maps a non-success response onto the statestore taxonomy.
func statusError(op, key string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return statestore.ErrNotFound
	case resp.StatusCode == http.StatusPreconditionFailed:
		return statestore.ErrConflict
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return statestore.Unavailable(op, key, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body))))
	}
	return errors.Errorf("httpstore %s %s: %s: %s", op, key, resp.Status, strings.TrimSpace(string(body)))
}

func (s *httpStore) Get(ctx context.Context, key string) ([]byte, statestore.Version, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.keyURI(key), nil)
	if err != nil {
		return nil, statestore.NoVersion, err
	}
	resp, err := s.single.Do(req)
	if err != nil {
		return nil, statestore.NoVersion, statestore.Unavailable("get", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statestore.NoVersion, statusError("get", key, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, statestore.NoVersion, statestore.Unavailable("get", key, err)
	}
	return data, unquoteVersion(resp.Header.Get("ETag")), nil
}

func (s *httpStore) PutIfMatch(ctx context.Context, key string, value []byte, v statestore.Version) (statestore.Version, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.keyURI(key), bytes.NewReader(value))
	if err != nil {
		return statestore.NoVersion, err
	}
	if v == statestore.NoVersion {
		req.Header.Set("If-None-Match", "*")
	} else {
		req.Header.Set("If-Match", quoteVersion(v))
	}
	resp, err := s.single.Do(req)
	if err != nil {
		return statestore.NoVersion, statestore.Unavailable("put", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statestore.NoVersion, statusError("put", key, resp)
	}
	return unquoteVersion(resp.Header.Get("ETag")), nil
}

func (s *httpStore) List(ctx context.Context, prefix string) ([]string, error) {
	uri := s.rootURI + "/list?prefix=" + url.QueryEscape(prefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.retrying.Do(req)
	if err != nil {
		return nil, statestore.Unavailable("list", prefix, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list", prefix, resp)
	}
	keys := []string{}
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, statestore.Unavailable("list", prefix, err)
	}
	return keys, nil
}

func (s *httpStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.keyURI(key), nil)
	if err != nil {
		return err
	}
	resp, err := s.retrying.Do(req)
	if err != nil {
		return statestore.Unavailable("delete", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return statusError("delete", key, resp)
	}
	return nil
}

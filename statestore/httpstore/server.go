package httpstore

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/corral/statestore"
)

// MaxValueSize bounds a single PUT body.
const MaxValueSize = 16 << 20

// Server serves a Store over the protocol described in the package comment.
type Server struct {
	store statestore.Store
	addr  string
}

func MakeServer(s statestore.Store, addr string) *Server {
	return &Server{store: s, addr: addr}
}

// Handler returns the mux serving /kv/ and /list.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/kv/", s)
	mux.HandleFunc("/list", s.HandleList)
	return mux
}

func (s *Server) Serve() error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	log.Infof("Serving state store on %s", s.addr)
	return server.ListenAndServe()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	key, err := url.PathUnescape(strings.TrimPrefix(req.URL.EscapedPath(), "/kv/"))
	if err != nil || key == "" {
		http.Error(w, "invalid key", http.StatusBadRequest)
		return
	}
	switch req.Method {
	case http.MethodGet:
		s.HandleGet(w, req, key)
	case http.MethodPut:
		s.HandlePut(w, req, key)
	case http.MethodDelete:
		s.HandleDelete(w, req, key)
	default:
		http.Error(w, "only support GET, PUT and DELETE", http.StatusMethodNotAllowed)
	}
}

// writeStoreError translates a store error into a status code the client
// maps back onto the same error.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case statestore.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case statestore.IsConflict(err):
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
	case statestore.IsUnavailable(err):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) HandleGet(w http.ResponseWriter, req *http.Request, key string) {
	value, v, err := s.store.Get(req.Context(), key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("ETag", quoteVersion(v))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(value)
}

func (s *Server) HandlePut(w http.ResponseWriter, req *http.Request, key string) {
	expect := statestore.NoVersion
	if m := req.Header.Get("If-Match"); m != "" {
		expect = unquoteVersion(m)
	} else if req.Header.Get("If-None-Match") != "*" {
		http.Error(w, "PUT requires If-Match or If-None-Match: *", http.StatusPreconditionRequired)
		return
	}
	value, err := io.ReadAll(io.LimitReader(req.Body, MaxValueSize+1))
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading body: %s", err), http.StatusBadRequest)
		return
	}
	if len(value) > MaxValueSize {
		http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
		return
	}
	v, err := s.store.PutIfMatch(req.Context(), key, value, expect)
	if err != nil {
		log.Debugf("Put %s failed: %v", key, err)
		writeStoreError(w, err)
		return
	}
	w.Header().Set("ETag", quoteVersion(v))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) HandleDelete(w http.ResponseWriter, req *http.Request, key string) {
	if err := s.store.Delete(req.Context(), key); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "only support GET", http.StatusMethodNotAllowed)
		return
	}
	keys, err := s.store.List(req.Context(), req.URL.Query().Get("prefix"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(keys)
}

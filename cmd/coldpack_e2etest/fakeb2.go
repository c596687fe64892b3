// cmd/coldpack_e2etest/fakeb2.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// fakeB2 is a minimal local stand-in for the Backblaze B2 REST API,
// implementing just enough of b2_authorize_account/b2_get_upload_url/
// upload/download/b2_list_file_names/b2_delete_file_version for
// remote.B2 (remote/b2.go) to drive a full backup/restore cycle against.
// Standing this up locally, rather than substituting remote.Memory
// directly, lets the harness exercise the actual HTTP adapter and its
// retry/backoff paths (§10.4), matching §10.6's requirement to test
// against "a local test B2 stand-in".
package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

type fakeB2 struct {
	mu      sync.Mutex
	objects map[string][]byte
	srv     *httptest.Server
}

func newFakeB2() *fakeB2 {
	f := &fakeB2{objects: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("/b2api/v2/b2_authorize_account", f.handleAuthorize)
	mux.HandleFunc("/b2api/v2/b2_get_upload_url", f.handleGetUploadURL)
	mux.HandleFunc("/upload", f.handleUpload)
	mux.HandleFunc("/file/", f.handleDownload)
	mux.HandleFunc("/b2api/v2/b2_list_file_names", f.handleList)
	mux.HandleFunc("/b2api/v2/b2_delete_file_version", f.handleDelete)
	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeB2) authorizeURL() string { return f.srv.URL + "/b2api/v2/b2_authorize_account" }

func (f *fakeB2) Close() { f.srv.Close() }

func (f *fakeB2) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"authorizationToken": "fake-token",
		"apiUrl":             f.srv.URL,
		"downloadUrl":        f.srv.URL,
	})
}

func (f *fakeB2) handleGetUploadURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"uploadUrl":          f.srv.URL + "/upload",
		"authorizationToken": "fake-upload-token",
	})
}

func (f *fakeB2) handleUpload(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get("X-Bz-File-Name")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	f.mu.Lock()
	f.objects[name] = data
	f.mu.Unlock()
	writeJSON(w, map[string]string{"fileName": name, "fileId": name})
}

func (f *fakeB2) handleDownload(w http.ResponseWriter, r *http.Request) {
	// URL shape: /file/<bucketName>/<name...>
	rest := strings.TrimPrefix(r.URL.Path, "/file/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	name := parts[1]

	f.mu.Lock()
	data, ok := f.objects[name]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write(data)
}

func (f *fakeB2) handleList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prefix       string `json:"prefix"`
		StartFileName string `json:"startFileName"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	var names []string
	for name := range f.objects {
		if strings.HasPrefix(name, req.Prefix) {
			names = append(names, name)
		}
	}
	f.mu.Unlock()
	sort.Strings(names)

	type fileEntry struct {
		FileName string `json:"fileName"`
	}
	var files []fileEntry
	for _, n := range names {
		files = append(files, fileEntry{FileName: n})
	}
	writeJSON(w, map[string]interface{}{
		"files":        files,
		"nextFileName": nil,
	})
}

func (f *fakeB2) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName string `json:"fileName"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	delete(f.objects, req.FileName)
	f.mu.Unlock()
	writeJSON(w, map[string]string{"fileName": req.FileName})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

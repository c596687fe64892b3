// remote/b2.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// B2 implements Adapter against the real Backblaze B2 REST API. No B2 SDK
// appears anywhere in the example pack this module was built from, so this
// talks to the API directly over net/http, following call-for-call the
// shape of original_source/src/client.rs (b2_authorize_account,
// b2_get_upload_url, b2_upload_file, b2_list_file_names,
// b2_delete_file_version). The retry-with-backoff and robust-upload idiom
// is carried over from storage/gcs.go before that file's GCS-specific body
// was dropped (see DESIGN.md).
package remote

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	u "github.com/mmp/coldpack/util"
)

const b2AuthorizeURL = "https://api.backblazeb2.com/b2api/v2/b2_authorize_account"

// B2Config carries the credentials and bucket identity needed to talk to a
// Backblaze B2 bucket, matching the `app_key_id`/`app_key`/`bucket_id`/
// `bucket_name` configuration fields (§6).
type B2Config struct {
	AppKeyID   string
	AppKey     string
	BucketID   string
	BucketName string

	RequestTimeout time.Duration
	MaxRetries     int

	Limiter *Limiter

	// AuthorizeURL overrides the b2_authorize_account endpoint. Empty uses
	// the real Backblaze endpoint; the end-to-end test harness points this
	// at a local fake B2 server (cmd/coldpack_e2etest).
	AuthorizeURL string
}

// B2 is an Adapter backed by a real Backblaze B2 bucket.
type B2 struct {
	cfg    B2Config
	client *http.Client

	mu           sync.Mutex
	token        string
	apiURL       string
	downloadURL  string
	uploadURL    string
	uploadToken  string
}

// NewB2 authenticates against B2 (b2_authorize_account) and returns a ready
// Adapter.
func NewB2(ctx context.Context, cfg B2Config) (*B2, error) {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	b := &B2{cfg: cfg, client: &http.Client{Timeout: cfg.RequestTimeout}}
	if err := b.authorize(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *B2) authorize(ctx context.Context) error {
	url := b2AuthorizeURL
	if b.cfg.AuthorizeURL != "" {
		url = b.cfg.AuthorizeURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return u.RemoteError(err, "build authorize request")
	}
	creds := base64.StdEncoding.EncodeToString([]byte(b.cfg.AppKeyID + ":" + b.cfg.AppKey))
	req.Header.Set("Authorization", "Basic "+creds)

	resp, err := b.client.Do(req)
	if err != nil {
		return u.RemoteError(err, "authorize account")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return u.RemoteError(nil, "authorize account: status %d", resp.StatusCode)
	}

	var parsed struct {
		AuthorizationToken string `json:"authorizationToken"`
		APIURL              string `json:"apiUrl"`
		DownloadURL         string `json:"downloadUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return u.RemoteError(err, "decode authorize response")
	}

	b.mu.Lock()
	b.token = parsed.AuthorizationToken
	b.apiURL = parsed.APIURL
	b.downloadURL = parsed.DownloadURL
	b.mu.Unlock()
	return nil
}

// Put uploads data under name via b2_get_upload_url + the returned upload
// endpoint, retrying with exponential backoff on transport errors, exactly
// as Client::upload does in the original program.
func (b *B2) Put(ctx context.Context, name string, data []byte) error {
	if exists, err := b.Exists(ctx, name); err != nil {
		return err
	} else if exists {
		return ErrAlreadyExists
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}

		uploadURL, uploadToken, err := b.getUploadURL(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		if err := b.uploadOnce(ctx, uploadURL, uploadToken, name, data); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return u.RemoteError(lastErr, "upload %s failed after %d attempts", name, b.cfg.MaxRetries)
}

func (b *B2) getUploadURL(ctx context.Context) (string, string, error) {
	body, _ := json.Marshal(map[string]string{"bucketId": b.cfg.BucketID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL+"/b2api/v2/b2_get_upload_url", bytes.NewReader(body))
	if err != nil {
		return "", "", u.RemoteError(err, "build get-upload-url request")
	}
	req.Header.Set("Authorization", b.token)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", "", u.RemoteError(err, "get upload url")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", u.RemoteError(nil, "get upload url: status %d", resp.StatusCode)
	}

	var parsed struct {
		UploadURL           string `json:"uploadUrl"`
		AuthorizationToken string `json:"authorizationToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", u.RemoteError(err, "decode upload-url response")
	}
	return parsed.UploadURL, parsed.AuthorizationToken, nil
}

func (b *B2) uploadOnce(ctx context.Context, uploadURL, uploadToken, name string, data []byte) error {
	sum := sha1.Sum(data)
	reader := io.Reader(bytes.NewReader(data))
	if b.cfg.Limiter != nil {
		reader = b.cfg.Limiter.UploadReader(reader)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, reader)
	if err != nil {
		return u.RemoteError(err, "build upload request")
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Authorization", uploadToken)
	req.Header.Set("X-Bz-File-Name", name)
	req.Header.Set("X-Bz-Content-Sha1", hex.EncodeToString(sum[:]))
	req.Header.Set("Content-Type", "b/x-auto")

	resp, err := b.client.Do(req)
	if err != nil {
		return u.RemoteError(err, "upload %s", name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return u.RemoteError(nil, "upload %s: status %d", name, resp.StatusCode)
	}
	return nil
}

// Get downloads name via the bucket's public download endpoint.
func (b *B2) Get(ctx context.Context, name string) ([]byte, error) {
	url := fmt.Sprintf("%s/file/%s/%s", b.downloadURL, b.cfg.BucketName, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, u.RemoteError(err, "build download request")
	}
	req.Header.Set("Authorization", b.token)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, u.RemoteError(err, "download %s", name)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, u.RemoteError(nil, "download %s: status %d", name, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if b.cfg.Limiter != nil {
		body = b.cfg.Limiter.DownloadReader(body)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, u.RemoteError(err, "read download body for %s", name)
	}
	return data, nil
}

// List calls b2_list_file_names repeatedly, following the "next file name"
// cursor, matching Client::list in the original program.
func (b *B2) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	var start *string

	for {
		reqBody := map[string]interface{}{
			"bucketId":     b.cfg.BucketID,
			"prefix":       prefix,
			"maxFileCount": 1000,
		}
		if start != nil {
			reqBody["startFileName"] = *start
		}
		body, _ := json.Marshal(reqBody)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL+"/b2api/v2/b2_list_file_names", bytes.NewReader(body))
		if err != nil {
			return nil, u.RemoteError(err, "build list request")
		}
		req.Header.Set("Authorization", b.token)

		resp, err := b.client.Do(req)
		if err != nil {
			return nil, u.RemoteError(err, "list %s", prefix)
		}

		var parsed struct {
			Files []struct {
				FileName string `json:"fileName"`
			} `json:"files"`
			NextFileName *string `json:"nextFileName"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, u.RemoteError(nil, "list %s: status %d", prefix, resp.StatusCode)
		}
		if decodeErr != nil {
			return nil, u.RemoteError(decodeErr, "decode list response")
		}

		for _, f := range parsed.Files {
			names = append(names, f.FileName)
		}
		if parsed.NextFileName == nil {
			return names, nil
		}
		start = parsed.NextFileName
	}
}

// Delete removes name, first resolving its current file id (b2_list_file_names
// with an exact-match prefix) then calling b2_delete_file_version. Deleting
// a name that does not exist is not an error.
func (b *B2) Delete(ctx context.Context, name string) error {
	id, found, err := b.fileID(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	body, _ := json.Marshal(map[string]string{"fileName": name, "fileId": id})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL+"/b2api/v2/b2_delete_file_version", bytes.NewReader(body))
	if err != nil {
		return u.RemoteError(err, "build delete request")
	}
	req.Header.Set("Authorization", b.token)

	resp, err := b.client.Do(req)
	if err != nil {
		return u.RemoteError(err, "delete %s", name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return u.RemoteError(nil, "delete %s: status %d", name, resp.StatusCode)
	}
	return nil
}

func (b *B2) Exists(ctx context.Context, name string) (bool, error) {
	_, found, err := b.fileID(ctx, name)
	return found, err
}

func (b *B2) fileID(ctx context.Context, name string) (string, bool, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"bucketId":      b.cfg.BucketID,
		"startFileName": name,
		"prefix":        name,
		"maxFileCount":  1,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiURL+"/b2api/v2/b2_list_file_names", bytes.NewReader(body))
	if err != nil {
		return "", false, u.RemoteError(err, "build exists-check request")
	}
	req.Header.Set("Authorization", b.token)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", false, u.RemoteError(err, "exists-check %s", name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false, u.RemoteError(nil, "exists-check %s: status %d", name, resp.StatusCode)
	}

	var parsed struct {
		Files []struct {
			FileName string `json:"fileName"`
			FileID   string `json:"fileId"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, u.RemoteError(err, "decode exists-check response")
	}
	for _, f := range parsed.Files {
		if f.FileName == name {
			return f.FileID, true, nil
		}
	}
	return "", false, nil
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Gammanik/resumable-upload/internal/uperr"
)

// InitRequest carries the upload-init parameters.
type InitRequest struct {
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	ChunkSize int64  `json:"chunkSize"`
	FileHash  string `json:"fileHash"`
}

// InitResponse is the server's init answer: a fresh session, or an existing
// archive on a dedup hit.
type InitResponse struct {
	UploadID string `json:"uploadId"`
	FilePath string `json:"filePath"`
	Exists   bool   `json:"exists"`
}

// ProgressInfo mirrors the server's progress report.
type ProgressInfo struct {
	Progress       int   `json:"progress"`
	TotalChunks    int   `json:"totalChunks"`
	UploadedChunks []int `json:"uploadedChunks"`
	MissingChunks  []int `json:"missingChunks"`
	UploadedBytes  int64 `json:"uploadedBytes"`
}

// MergeResult carries the archived artifact path.
type MergeResult struct {
	FilePath string `json:"filePath"`
}

// Transport performs the upload protocol operations against a server.
type Transport interface {
	Init(ctx context.Context, req InitRequest) (InitResponse, error)
	SendChunk(ctx context.Context, uploadID string, index int, fileHash string, data []byte) error
	Progress(ctx context.Context, uploadID string) (ProgressInfo, error)
	Merge(ctx context.Context, uploadID, fileName, fileHash string) (MergeResult, error)
	Cancel(ctx context.Context, uploadID string) error
}

// HTTPTransport implements Transport over the server's HTTP routes.
type HTTPTransport struct {
	base   string
	client *http.Client
}

// NewHTTPTransport returns a transport for the server at baseURL.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		base:   baseURL,
		client: &http.Client{},
	}
}

// Init starts or short-circuits an upload session.
func (t *HTTPTransport) Init(ctx context.Context, req InitRequest) (InitResponse, error) {
	var resp InitResponse
	if err := t.postJSON(ctx, "/upload/init", req, &resp); err != nil {
		return InitResponse{}, err
	}
	return resp, nil
}

// SendChunk uploads one chunk as a multipart request. The context cancels
// the transfer mid-flight.
func (t *HTTPTransport) SendChunk(ctx context.Context, uploadID string, index int, fileHash string, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("uploadId", uploadID); err != nil {
		return err
	}
	if err := mw.WriteField("chunkIndex", strconv.Itoa(index)); err != nil {
		return err
	}
	if err := mw.WriteField("fileHash", fileHash); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", index))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/upload/chunk", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// Progress fetches the uploaded/missing index sets for a session.
func (t *HTTPTransport) Progress(ctx context.Context, uploadID string) (ProgressInfo, error) {
	u := t.base + "/upload/progress?uploadId=" + url.QueryEscape(uploadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ProgressInfo{}, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return ProgressInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProgressInfo{}, decodeError(resp)
	}

	var info ProgressInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ProgressInfo{}, err
	}
	return info, nil
}

// Merge asks the server to assemble the session into the archive.
func (t *HTTPTransport) Merge(ctx context.Context, uploadID, fileName, fileHash string) (MergeResult, error) {
	body := map[string]string{
		"uploadId": uploadID,
		"fileName": fileName,
		"fileHash": fileHash,
	}
	var res MergeResult
	if err := t.postJSON(ctx, "/upload/merge", body, &res); err != nil {
		return MergeResult{}, err
	}
	return res, nil
}

// Cancel tears down the server-side session.
func (t *HTTPTransport) Cancel(ctx context.Context, uploadID string) error {
	return t.postJSON(ctx, "/upload/cancel", map[string]string{"uploadId": uploadID}, nil)
}

func (t *HTTPTransport) postJSON(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type wireError struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	MissingChunks []int  `json:"missingChunks"`
}

// decodeError rebuilds a tagged error from the server's error payload so the
// scheduler can branch on the failure class.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var we wireError
	if err := json.Unmarshal(raw, &we); err == nil && we.Code != "" {
		return &uperr.Error{
			Code:    uperr.Code(we.Code),
			Message: we.Error,
			Missing: we.MissingChunks,
		}
	}
	return uperr.TransferFailed(fmt.Errorf("server returned %d: %s", resp.StatusCode, string(raw)))
}

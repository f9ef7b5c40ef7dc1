package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/mohitkumar/renderfleet/rferrors"
	"github.com/oliveagle/jsonpath"
)

// SystemStats is the decoded /system_stats response (spec.md §3, used to
// discover OSType during Init).
type SystemStats struct {
	System struct {
		OS         string `json:"os"`
		PythonVer  string `json:"python_version"`
		EmbeddedPy bool   `json:"embedded_python"`
	} `json:"system"`
	Devices []struct {
		Name       string `json:"name"`
		Type       string `json:"type"`
		VRAMTotal  int64  `json:"vram_total"`
		VRAMFree   int64  `json:"vram_free"`
	} `json:"devices"`
}

// QueueStatus is the decoded /queue response.
type QueueStatus struct {
	Running []QueueEntry `json:"queue_running"`
	Pending []QueueEntry `json:"queue_pending"`
}

// QueueEntry is one element of a QueueStatus slice: [number, promptID, ...].
type QueueEntry struct {
	Number   int64
	PromptID string
	Extra    json.RawMessage
}

func (q *QueueEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("backend: malformed queue entry")
	}
	if err := json.Unmarshal(raw[0], &q.Number); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &q.PromptID); err != nil {
		return err
	}
	if len(raw) > 2 {
		q.Extra = raw[2]
	}
	return nil
}

// HistoryEntry is one decoded /history/{id} record.
type HistoryEntry struct {
	Prompt  json.RawMessage            `json:"prompt"`
	Outputs map[string]json.RawMessage `json:"outputs"`
	Status  struct {
		Completed bool `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
}

// QueuePromptResponse is the decoded /prompt POST response.
type QueuePromptResponse struct {
	PromptID   string              `json:"prompt_id"`
	Number     int64               `json:"number"`
	NodeErrors map[string]any      `json:"node_errors"`
}

// UploadedImage identifies an image the backend accepted via uploadImage or
// uploadMask.
type UploadedImage struct {
	Name     string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type     string `json:"type"`
}

func (c *Client) baseURL() string {
	return c.cfg.Host
}

// doJSON performs an HTTP request against path, decoding a JSON response
// body into out (if non-nil) and returning a *rferrors.Error for any
// non-2xx status or transport failure.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, rferrors.NewTransport(err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, reqBody)
	if err != nil {
		return nil, rferrors.NewTransport(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.creds.Apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, rferrors.NewTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, rferrors.NewTransport(err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.events.Emit("auth_error", map[string]any{"status": resp.StatusCode})
		return resp, rferrors.ErrAuth
	}
	if resp.StatusCode >= 300 {
		return resp, rferrors.NewHTTP(resp.StatusCode, string(data))
	}
	c.touchActivity()
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp, rferrors.NewTransport(err)
		}
	}
	return resp, nil
}

// QueuePrompt submits workflow (already Finalize()d) plus a client id and
// returns the prompt id the backend assigned (spec.md §4.2, §4.3).
// position selects queue placement: nil appends, -1 moves the job to the
// front, any other value requests that numeric position.
func (c *Client) QueuePrompt(ctx context.Context, position *int, workflow any, extraData map[string]any) (*QueuePromptResponse, error) {
	payload := map[string]any{
		"prompt":    workflow,
		"client_id": c.currentClientID(),
	}
	if position != nil {
		if *position == -1 {
			payload["front"] = true
		} else {
			payload["number"] = *position
		}
	}
	if extraData != nil {
		payload["extra_data"] = extraData
	}
	var out QueuePromptResponse
	_, err := c.doJSON(ctx, http.MethodPost, "/prompt", payload, &out)
	if err != nil {
		c.events.Emit("queue_error", map[string]any{"error": err.Error()})
		return nil, rferrors.NewSubmit(err)
	}
	return &out, nil
}

// GetQueue returns the running/pending queue snapshot.
func (c *Client) GetQueue(ctx context.Context) (*QueueStatus, error) {
	var out QueueStatus
	if _, err := c.doJSON(ctx, http.MethodGet, "/queue", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHistories returns up to maxItems most recent history entries.
func (c *Client) GetHistories(ctx context.Context, maxItems int) (map[string]HistoryEntry, error) {
	path := "/history"
	if maxItems > 0 {
		path = fmt.Sprintf("/history?max_items=%d", maxItems)
	}
	var out map[string]HistoryEntry
	if _, err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetHistory returns the single history entry for promptID, or (nil, nil)
// if the backend has not recorded it yet.
func (c *Client) GetHistory(ctx context.Context, promptID string) (*HistoryEntry, error) {
	var out map[string]HistoryEntry
	if _, err := c.doJSON(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &out); err != nil {
		return nil, err
	}
	entry, ok := out[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// GetSystemStats returns hardware/OS info; also used internally during
// Init to discover OSType.
func (c *Client) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	var out SystemStats
	if _, err := c.doJSON(ctx, http.MethodGet, "/system_stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// objectInfo fetches and memoizes /object_info, the source for
// checkpoints/loras/embeddings/sampler enum extraction.
func (c *Client) objectInfo(ctx context.Context) (map[string]any, error) {
	if v, ok := c.metaCache.Get("object_info"); ok {
		return v.(map[string]any), nil
	}
	var out map[string]any
	if _, err := c.doJSON(ctx, http.MethodGet, "/object_info", nil, &out); err != nil {
		return nil, err
	}
	c.metaCache.Set("object_info", out)
	return out, nil
}

// enumSlot walks nodeClass.input.required.<field>[0] in an /object_info
// document and returns its string-slice enum, per the ComfyUI object_info
// shape: field spec is a 2-element array [enumValuesOrType, {options}]. A
// backend that doesn't have nodeClass installed, or whose field isn't an
// enum, is not an error (spec.md §4.2): the accessor returns an empty
// sequence.
func enumSlot(doc map[string]any, nodeClass, field string) ([]string, error) {
	expr := fmt.Sprintf("$.%s.input.required.%s[0]", nodeClass, field)
	res, err := jsonpath.JsonPathLookup(doc, expr)
	if err != nil {
		return nil, nil
	}
	raw, ok := res.([]any)
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetCheckpoints returns the available checkpoint filenames (SPEC_FULL.md
// §3 metadata caching).
func (c *Client) GetCheckpoints(ctx context.Context) ([]string, error) {
	doc, err := c.objectInfo(ctx)
	if err != nil {
		return nil, err
	}
	return enumSlot(doc, "CheckpointLoaderSimple", "ckpt_name")
}

// GetLoras returns the available LoRA filenames.
func (c *Client) GetLoras(ctx context.Context) ([]string, error) {
	doc, err := c.objectInfo(ctx)
	if err != nil {
		return nil, err
	}
	return enumSlot(doc, "LoraLoader", "lora_name")
}

// GetEmbeddings returns the available embedding names.
func (c *Client) GetEmbeddings(ctx context.Context) ([]string, error) {
	if v, ok := c.metaCache.Get("embeddings"); ok {
		return v.([]string), nil
	}
	var out []string
	if _, err := c.doJSON(ctx, http.MethodGet, "/embeddings", nil, &out); err != nil {
		return nil, err
	}
	c.metaCache.Set("embeddings", out)
	return out, nil
}

// GetSamplerInfo returns the sampler_name and scheduler enum slots from
// KSampler's object_info.
func (c *Client) GetSamplerInfo(ctx context.Context) (samplers, schedulers []string, err error) {
	doc, err := c.objectInfo(ctx)
	if err != nil {
		return nil, nil, err
	}
	samplers, err = enumSlot(doc, "KSampler", "sampler_name")
	if err != nil {
		return nil, nil, err
	}
	schedulers, err = enumSlot(doc, "KSampler", "scheduler")
	if err != nil {
		return nil, nil, err
	}
	return samplers, schedulers, nil
}

// GetNodeDefs returns the full object_info document, keyed by node class.
func (c *Client) GetNodeDefs(ctx context.Context) (map[string]any, error) {
	return c.objectInfo(ctx)
}

// uploadMultipart POSTs a multipart/form-data request with one file field
// plus arbitrary extra text fields; shared by UploadImage and UploadMask.
func (c *Client) uploadMultipart(ctx context.Context, path, fieldName, filename string, data []byte, extra map[string]string) (*UploadedImage, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile(fieldName, filename)
	if err != nil {
		return nil, rferrors.NewTransport(err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, rferrors.NewTransport(err)
	}
	for k, v := range extra {
		if err := w.WriteField(k, v); err != nil {
			return nil, rferrors.NewTransport(err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, rferrors.NewTransport(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+path, &buf)
	if err != nil {
		return nil, rferrors.NewTransport(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.creds.Apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, rferrors.NewTransport(err)
	}
	defer resp.Body.Close()
	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rferrors.NewTransport(err)
	}
	if resp.StatusCode >= 300 {
		return nil, rferrors.NewHTTP(resp.StatusCode, string(respData))
	}
	c.touchActivity()
	var out UploadedImage
	if err := json.Unmarshal(respData, &out); err != nil {
		return nil, rferrors.NewTransport(err)
	}
	return &out, nil
}

// UploadImage uploads image bytes for use as a workflow input.
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte, overwrite bool) (*UploadedImage, error) {
	extra := map[string]string{"type": "input"}
	if overwrite {
		extra["overwrite"] = "true"
	}
	return c.uploadMultipart(ctx, "/upload/image", "image", filename, data, extra)
}

// UploadMask uploads mask bytes referencing an original image (inpainting).
func (c *Client) UploadMask(ctx context.Context, filename string, data []byte, originalRef UploadedImage) (*UploadedImage, error) {
	refJSON, err := json.Marshal(originalRef)
	if err != nil {
		return nil, rferrors.NewTransport(err)
	}
	return c.uploadMultipart(ctx, "/upload/mask", "image", filename, data, map[string]string{
		"original_ref": string(refJSON),
	})
}

// GetPathImage builds the /view URL for an image reference without
// fetching it, for callers that hand the URL to a renderer directly.
func (c *Client) GetPathImage(img UploadedImage) string {
	q := url.Values{}
	q.Set("filename", img.Name)
	q.Set("subfolder", img.Subfolder)
	q.Set("type", img.Type)
	return c.baseURL() + "/view?" + q.Encode()
}

// GetImage fetches the raw bytes of an image reference.
func (c *Client) GetImage(ctx context.Context, img UploadedImage) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.GetPathImage(img), nil)
	if err != nil {
		return nil, rferrors.NewTransport(err)
	}
	c.creds.Apply(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, rferrors.NewTransport(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rferrors.NewTransport(err)
	}
	if resp.StatusCode >= 300 {
		return nil, rferrors.NewHTTP(resp.StatusCode, string(data))
	}
	c.touchActivity()
	return data, nil
}

// Interrupt cancels the backend's currently executing prompt, if any.
func (c *Client) Interrupt(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/interrupt", nil, nil)
	return err
}

// FreeMemory requests the backend unload models and/or clear its cache.
func (c *Client) FreeMemory(ctx context.Context, unloadModels, freeMemory bool) error {
	payload := map[string]any{
		"unload_models": unloadModels,
		"free_memory":   freeMemory,
	}
	_, err := c.doJSON(ctx, http.MethodPost, "/free", payload, nil)
	return err
}

// ClearQueue deletes every pending queue entry.
func (c *Client) ClearQueue(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/queue", map[string]any{"clear": true}, nil)
	return err
}

// DeleteQueueEntry removes one pending prompt id from the queue.
func (c *Client) DeleteQueueEntry(ctx context.Context, promptID string) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/queue", map[string]any{"delete": []string{promptID}}, nil)
	return err
}

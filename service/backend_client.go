package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/FadwaTY/WasteWiseUI/config"
	"github.com/FadwaTY/WasteWiseUI/model"
)

const errorBodyLimit = 512

// PredictResult /predict 的响应
type PredictResult struct {
	Counts       map[string]int
	AnnotatedB64 string
}

// BackendClient 负责与外部检测/推荐服务通信
type BackendClient struct {
	httpClient       *http.Client
	predictTimeout   time.Duration
	recommendTimeout time.Duration
	healthTimeout    time.Duration
}

func NewBackendClient(cfg *config.BackendConfig) *BackendClient {
	return &BackendClient{
		httpClient:       &http.Client{},
		predictTimeout:   cfg.PredictTimeout,
		recommendTimeout: cfg.RecommendTimeout,
		healthTimeout:    cfg.HealthTimeout,
	}
}

// NormalizeBaseURL 去掉空白、引号和末尾斜杠
func NormalizeBaseURL(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `'"`)
	return strings.TrimRight(s, "/")
}

// Predict 对单张图片调用 /predict，llm 固定为 false
func (c *BackendClient) Predict(ctx context.Context, baseURL string, img model.ImageInput, params model.DetectionParameters) (*PredictResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	contentType := img.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(img.Name)))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, fmt.Errorf("copy image data: %w", err)
	}

	fields := map[string]string{
		"conf": strconv.FormatFloat(params.Confidence, 'f', -1, 64),
		"iou":  strconv.FormatFloat(params.IoU, 'f', -1, 64),
		"llm":  "false",
	}
	for _, name := range []string{"conf", "iou", "llm"} {
		if err := writer.WriteField(name, fields[name]); err != nil {
			return nil, fmt.Errorf("write field %s: %w", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.predictTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/predict", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var out struct {
		Counts       map[string]float64 `json:"counts"`
		AnnotatedB64 string             `json:"annotated_image_b64"`
	}
	if err := c.doJSON(req, "/predict", &out); err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(out.Counts))
	for label, n := range out.Counts {
		counts[label] += int(n)
	}

	return &PredictResult{
		Counts:       model.NormalizeCounts(counts),
		AnnotatedB64: out.AnnotatedB64,
	}, nil
}

// Recommend 对整批的汇总数量调用一次 /recommend
func (c *BackendClient) Recommend(ctx context.Context, baseURL string, totals map[string]int) (string, error) {
	payload, err := json.Marshal(struct {
		Counts     map[string]int `json:"counts"`
		Detections []any          `json:"detections"`
	}{
		Counts:     totals,
		Detections: []any{},
	})
	if err != nil {
		return "", fmt.Errorf("encode recommend payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.recommendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/recommend", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Recommendation *string `json:"recommendation"`
	}
	if err := c.doJSON(req, "/recommend", &out); err != nil {
		return "", err
	}
	if out.Recommendation == nil {
		return "", nil
	}
	return *out.Recommendation, nil
}

// Healthz 读取 /healthz 的 JSON 对象，不检查状态码
func (c *BackendClient) Healthz(ctx context.Context, baseURL string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode /healthz response (status %d): %w", resp.StatusCode, err)
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

func (c *BackendClient) doJSON(req *http.Request, endpoint string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

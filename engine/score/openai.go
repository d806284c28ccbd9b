package score

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/pkg/resilience"
)

const systemPrompt = "You are a sentiment analysis tool. " +
	"Analyze the sentiment of the following text and respond with ONLY a JSON object with the format: " +
	`{"sentiment": "POSITIVE|NEGATIVE|NEUTRAL|MIXED", ` +
	`"scores": {"Positive": float, "Negative": float, "Neutral": float, "Mixed": float}}` +
	" The scores should sum to 1.0."

// OpenAIBatch scores posts through the OpenAI Batch API: the request lines
// are uploaded as a JSONL file, a batch referencing that file is created
// with a 24h completion window, and the output file is downloaded once the
// batch completes.
type OpenAIBatch struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	breaker *resilience.Breaker
}

// OpenAIOpts configures the provider.
type OpenAIOpts struct {
	BaseURL string
	APIKey  string
	Model   string
}

// NewOpenAIBatch creates the provider behind a circuit breaker.
func NewOpenAIBatch(opts OpenAIOpts) *OpenAIBatch {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com"
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	return &OpenAIBatch{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

func (p *OpenAIBatch) Name() string { return "openai" }

// Submit uploads the request file and creates the batch.
func (p *OpenAIBatch) Submit(ctx context.Context, items []BatchItem) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("openai: empty batch")
	}

	jsonl, err := p.buildRequestFile(items)
	if err != nil {
		return "", err
	}

	var batchID string
	err = p.breaker.Call(ctx, func(ctx context.Context) error {
		fileID, err := p.uploadFile(ctx, jsonl)
		if err != nil {
			return err
		}
		batchID, err = p.createBatch(ctx, fileID)
		return err
	})
	return batchID, err
}

// Status maps the provider's batch status onto the job status enum.
func (p *OpenAIBatch) Status(ctx context.Context, providerJobID string) (domain.JobStatus, error) {
	var batch batchResponse
	err := p.breaker.Call(ctx, func(ctx context.Context) error {
		return p.getJSON(ctx, "/v1/batches/"+providerJobID, &batch)
	})
	if err != nil {
		return "", err
	}

	switch batch.Status {
	case "completed":
		return domain.JobCompleted, nil
	case "failed", "cancelling", "cancelled":
		return domain.JobFailed, nil
	case "expired":
		return domain.JobExpired, nil
	case "in_progress", "finalizing", "validating":
		return domain.JobInProgress, nil
	default:
		return domain.JobSubmitted, nil
	}
}

// Results downloads and parses the batch output file. Lines with non-200
// status codes or unparseable content are skipped; the merger accounts for
// missing correlations downstream.
func (p *OpenAIBatch) Results(ctx context.Context, providerJobID string) ([]OutputRecord, error) {
	var batch batchResponse
	if err := p.getJSON(ctx, "/v1/batches/"+providerJobID, &batch); err != nil {
		return nil, err
	}
	if batch.OutputFileID == "" {
		// Completed with no output file is an explicit empty result set.
		return nil, nil
	}

	raw, err := p.downloadFile(ctx, batch.OutputFileID)
	if err != nil {
		return nil, err
	}

	var records []OutputRecord
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var out outputLine
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			continue
		}
		if out.Response.StatusCode != http.StatusOK || len(out.Response.Body.Choices) == 0 {
			continue
		}
		var verdict sentimentVerdict
		if err := json.Unmarshal([]byte(out.Response.Body.Choices[0].Message.Content), &verdict); err != nil {
			continue
		}
		records = append(records, OutputRecord{
			CorrelationID: out.CustomID,
			Label:         normalizeLabel(verdict.Sentiment),
			Scores: domain.Scores{
				Positive: verdict.Scores.Positive,
				Negative: verdict.Scores.Negative,
				Neutral:  verdict.Scores.Neutral,
				Mixed:    verdict.Scores.Mixed,
			},
		})
	}
	return records, nil
}

func (p *OpenAIBatch) buildRequestFile(items []BatchItem) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		line := requestLine{
			CustomID: item.CorrelationID,
			Method:   http.MethodPost,
			URL:      "/v1/chat/completions",
		}
		line.Body.Model = p.model
		line.Body.Temperature = 0.3
		line.Body.MaxTokens = 1000
		line.Body.Messages = []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: item.Text},
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("openai: encode request line: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (p *OpenAIBatch) uploadFile(ctx context.Context, jsonl []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", "batch.jsonl")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(jsonl); err != nil {
		return "", err
	}
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/files", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var file fileResponse
	if err := p.do(req, &file); err != nil {
		return "", fmt.Errorf("openai: upload batch file: %w", err)
	}
	return file.ID, nil
}

func (p *OpenAIBatch) createBatch(ctx context.Context, fileID string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/batches", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var batch batchResponse
	if err := p.do(req, &batch); err != nil {
		return "", fmt.Errorf("openai: create batch: %w", err)
	}
	return batch.ID, nil
}

func (p *OpenAIBatch) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, domain.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: download file %s: http %d", fileID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p *OpenAIBatch) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	return p.do(req, v)
}

func (p *OpenAIBatch) do(req *http.Request, v any) error {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return domain.Transient(fmt.Errorf("http %d from %s", resp.StatusCode, req.URL.Path))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %d from %s: %s", resp.StatusCode, req.URL.Path, body)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func normalizeLabel(s string) domain.SentimentLabel {
	switch strings.ToLower(s) {
	case "positive":
		return domain.SentimentPositive
	case "negative":
		return domain.SentimentNegative
	case "mixed":
		return domain.SentimentMixed
	default:
		return domain.SentimentNeutral
	}
}

// OpenAI API wire types.

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestLine struct {
	CustomID string `json:"custom_id"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Body     struct {
		Model       string        `json:"model"`
		Messages    []chatMessage `json:"messages"`
		Temperature float64       `json:"temperature"`
		MaxTokens   int           `json:"max_tokens"`
	} `json:"body"`
}

type fileResponse struct {
	ID string `json:"id"`
}

type batchResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
}

type outputLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		} `json:"body"`
	} `json:"response"`
}

type sentimentVerdict struct {
	Sentiment string `json:"sentiment"`
	Scores    struct {
		Positive float64 `json:"Positive"`
		Negative float64 `json:"Negative"`
		Neutral  float64 `json:"Neutral"`
		Mixed    float64 `json:"Mixed"`
	} `json:"scores"`
}

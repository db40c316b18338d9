package contentgate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Prediction is one class probability returned by a classifier.
type Prediction struct {
	ClassName   string  `json:"className"`
	Probability float64 `json:"probability"`
}

// Classifier scores a single image.
type Classifier interface {
	Classify(ctx context.Context, image []byte) ([]Prediction, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, image []byte) ([]Prediction, error)

func (f ClassifierFunc) Classify(ctx context.Context, image []byte) ([]Prediction, error) {
	return f(ctx, image)
}

// HTTPClassifierConfig points at a model-serving endpoint that accepts a PNG
// body and answers with a JSON array of predictions.
type HTTPClassifierConfig struct {
	Endpoint   string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Client     *http.Client
}

// HTTPClassifier calls a remote model server through a retry policy.
type HTTPClassifier struct {
	endpoint string
	token    string
	client   *http.Client
	executor failsafe.Executor[[]Prediction]
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("classifier returned %d: %s", e.status, e.body)
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var status *statusError
	if errors.As(err, &status) {
		return status.status == http.StatusTooManyRequests || status.status >= 500
	}
	return true
}

// NewHTTPClassifier validates cfg and builds the retrying client.
func NewHTTPClassifier(cfg HTTPClassifierConfig) (*HTTPClassifier, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("classifier endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	retry := retrypolicy.NewBuilder[[]Prediction]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ []Prediction, err error) bool { return retryable(err) }).
		ReturnLastFailure().
		Build()
	return &HTTPClassifier{
		endpoint: endpoint,
		token:    cfg.Token,
		client:   client,
		executor: failsafe.With(retry),
	}, nil
}

func (c *HTTPClassifier) Classify(ctx context.Context, image []byte) ([]Prediction, error) {
	return c.executor.WithContext(ctx).Get(func() ([]Prediction, error) {
		return c.classifyOnce(ctx, image)
	})
}

func (c *HTTPClassifier) classifyOnce(ctx context.Context, image []byte) ([]Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	var predictions []Prediction
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&predictions); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}
	return predictions, nil
}

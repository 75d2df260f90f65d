package classifier

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"strings"
	"time"

	"github.com/arnvptl/BlueLock/internal/models"
	"github.com/arnvptl/BlueLock/pkg/raster"
)

// DefaultInputSize is the square input size the model expects.
const DefaultInputSize = 224

// Remote calls a model server over HTTP.
//
// Initialize checks GET {baseURL}/health. Classify posts the image, resized
// to InputSize x InputSize and PNG-encoded as base64, to {baseURL}/predict
// and expects {"probability": p}.
type Remote struct {
	baseURL   string
	inputSize int
	client    *http.Client
}

type predictRequest struct {
	Image  string `json:"image"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type predictResponse struct {
	Probability *float64 `json:"probability"`
}

// NewRemote creates a remote classifier. inputSize <= 0 uses DefaultInputSize.
func NewRemote(baseURL string, inputSize int, timeout time.Duration) *Remote {
	if inputSize <= 0 {
		inputSize = DefaultInputSize
	}
	return &Remote{
		baseURL:   strings.TrimRight(baseURL, "/"),
		inputSize: inputSize,
		client:    &http.Client{Timeout: timeout},
	}
}

// Initialize checks that the model server answers its health endpoint.
func (r *Remote) Initialize() error {
	if r.baseURL == "" {
		return fmt.Errorf("model URL is not set")
	}

	resp, err := r.client.Get(r.baseURL + "/health")
	if err != nil {
		return fmt.Errorf("model health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model health check returned status: %s", resp.Status)
	}
	return nil
}

// Classify posts the image, scaled to the model input size and PNG encoded,
// to /predict and returns the probability from the response.
func (r *Remote) Classify(img *models.RasterImage) (float64, error) {
	payload, err := r.encode(img)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, r.baseURL+"/predict", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("model returned status: %s", resp.Status)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode model response: %w", err)
	}
	if out.Probability == nil {
		return 0, fmt.Errorf("model response has no probability")
	}
	return *out.Probability, nil
}

func (r *Remote) encode(img *models.RasterImage) ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}

	scaled := raster.Resize(img, r.inputSize, r.inputSize)

	var buf bytes.Buffer
	if err := png.Encode(&buf, raster.ToImage(scaled)); err != nil {
		return nil, fmt.Errorf("failed to encode model input: %w", err)
	}

	return json.Marshal(predictRequest{
		Image:  base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:  r.inputSize,
		Height: r.inputSize,
	})
}

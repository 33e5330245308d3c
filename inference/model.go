// Package inference wraps the vegetable-recognition model behind a narrow
// question-answering interface. The model itself runs elsewhere; its
// latency dominates each authenticated request.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Model answers a free-form question about a stored image. Calls block for
// as long as inference takes.
type Model interface {
	Answer(ctx context.Context, imagePath, question string) (string, error)
}

// HTTPModel talks to a moondream-style answer endpoint: it posts the image
// and question as JSON and reads the answer back out of the response body.
type HTTPModel struct {
	URL    string
	Client *http.Client
}

func NewHTTPModel(url string) *HTTPModel {
	return &HTTPModel{
		URL: url,
		// Inference is slow on CPU hosts; the generous timeout is still a
		// backstop against a hung model process.
		Client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (m *HTTPModel) Answer(ctx context.Context, imagePath, question string) (string, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	body := []byte(`{}`)
	if body, err = sjson.SetBytes(body, "image", base64.StdEncoding.EncodeToString(image)); err != nil {
		return "", err
	}
	if body, err = sjson.SetBytes(body, "question", question); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query model: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model returned status %d", resp.StatusCode)
	}

	answer := gjson.GetBytes(raw, "answer")
	if !answer.Exists() {
		return "", fmt.Errorf("model response carries no answer field")
	}

	return answer.String(), nil
}

var _ Model = (*HTTPModel)(nil)

package worker

import (
	"context"
	"encoding/json"
	"fmt"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
)

// Embedder turns images and text into vectors.
type Embedder interface {
	EmbedImages(ctx context.Context, paths []string) ([][]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

var _ Embedder = (*Manager)(nil)

// EmbedImages returns one vector per path, in input order.
func (m *Manager) EmbedImages(ctx context.Context, paths []string) ([][]float32, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	raw, err := m.Call(ctx, EventClipifyImage, imageJob{Filepaths: paths})
	if err != nil {
		return nil, err
	}
	vectors, err := decodeVectors(raw)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(paths) {
		return nil, scouterrors.New(scouterrors.ErrCodeWorkerProtocol,
			fmt.Sprintf("worker returned %d vectors for %d images", len(vectors), len(paths)), nil)
	}
	return vectors, nil
}

// EmbedText returns the vector for a text query.
func (m *Manager) EmbedText(ctx context.Context, text string) ([]float32, error) {
	raw, err := m.Call(ctx, EventClipifyText, textJob{Text: text})
	if err != nil {
		return nil, err
	}
	vectors, err := decodeVectors(raw)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, scouterrors.New(scouterrors.ErrCodeWorkerProtocol, "worker returned no text vector", nil)
	}
	return vectors[0], nil
}

func decodeVectors(raw json.RawMessage) ([][]float32, error) {
	var res vectorsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, scouterrors.New(scouterrors.ErrCodeWorkerProtocol, "malformed vectors in worker reply", err)
	}
	return res.Vectors, nil
}

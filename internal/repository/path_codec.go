package repository

import (
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/jengzang/records-timeline/internal/models"
)

// pathCodec stores trip paths as zstd-compressed JSON
type pathCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var (
	codec     *pathCodec
	codecErr  error
	codecOnce sync.Once
)

func getPathCodec() (*pathCodec, error) {
	codecOnce.Do(func() {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			codecErr = fmt.Errorf("failed to create zstd encoder: %w", err)
			return
		}
		decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
		if err != nil {
			codecErr = fmt.Errorf("failed to create zstd decoder: %w", err)
			return
		}
		codec = &pathCodec{encoder: encoder, decoder: decoder}
	})
	return codec, codecErr
}

// encodePath returns nil for an empty path
func encodePath(path []models.GPSPoint) ([]byte, error) {
	if len(path) == 0 {
		return nil, nil
	}
	c, err := getPathCodec()
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(path)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal path: %w", err)
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decodePath(blob []byte) ([]models.GPSPoint, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	c, err := getPathCodec()
	if err != nil {
		return nil, err
	}

	raw, err := c.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress path: %w", err)
	}

	var path []models.GPSPoint
	if err := json.Unmarshal(raw, &path); err != nil {
		return nil, fmt.Errorf("failed to unmarshal path: %w", err)
	}
	return path, nil
}

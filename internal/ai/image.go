package ai

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
)

var ErrInvalidImage = errors.New("image_base64 is not valid base64")

// DecodeImage turns a base64 payload into an Image. An empty payload yields
// nil; a missing MIME type is sniffed from the data.
func DecodeImage(mimeType, encoded string) (*Image, error) {
	if encoded == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return &Image{MIMEType: mimeType, Data: data}, nil
}

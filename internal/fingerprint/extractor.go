package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"plagiarism_monitor/internal/apperr"
	"plagiarism_monitor/internal/model"
)

// MaxImages is the number of images hashed per post.
const MaxImages = 10

// ImageSource downloads encoded images.
type ImageSource interface {
	Image(ctx context.Context, url string) ([]byte, error)
}

// ContentHash identifies the comparable content of a post. Two posts with
// the same hash have identical fingerprints.
func ContentHash(p model.Post) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(p.Text)))
	for i, u := range p.ImageURLs {
		if i == MaxImages {
			break
		}
		h.Write([]byte{0})
		h.Write([]byte(u))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Extractor turns posts into fingerprints.
type Extractor struct {
	images ImageSource
}

// NewExtractor creates an Extractor that downloads images from src.
func NewExtractor(src ImageSource) *Extractor {
	return &Extractor{images: src}
}

// Extract computes the fingerprint of p. Any image that fails fails the whole
// post, so a partially hashed post never enters the corpus. Images that
// cannot be decoded or that the source reports as Extraction failures give
// an Extraction error; anything else, including running out of time, is a
// Fetch error and the post is worth retrying.
func (e *Extractor) Extract(ctx context.Context, p model.Post) (model.Fingerprint, error) {
	fp := model.Fingerprint{
		ContentHash: ContentHash(p),
		Text:        TextSignature(p.Text),
	}

	for i, u := range p.ImageURLs {
		if i == MaxImages {
			break
		}
		if err := ctx.Err(); err != nil {
			return model.Fingerprint{}, apperr.Wrap(apperr.Fetch, "post extraction timed out", err)
		}
		data, err := e.images.Image(ctx, u)
		if err != nil {
			kind := apperr.Fetch
			if apperr.Is(err, apperr.Extraction) && ctx.Err() == nil {
				kind = apperr.Extraction
			}
			return model.Fingerprint{}, apperr.Wrap(kind, "could not download post image",
				fmt.Errorf("image %s: %w", u, err))
		}
		h, err := ImageHash(data)
		if err != nil {
			return model.Fingerprint{}, apperr.Wrap(apperr.Extraction, "could not process post image",
				fmt.Errorf("image %s: %w", u, err))
		}
		fp.Images = append(fp.Images, h)
	}
	return fp, nil
}

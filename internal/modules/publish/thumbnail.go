package publish

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"io"

	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"

	"github.com/learningequality/studio-backend/internal/types"
)

// thumbnailMaxSide bounds the longest edge of a generated thumbnail.
const thumbnailMaxSide = 400

// resolveThumbnail returns the base64 data URI embedded in the artifact for
// this node. An explicit encoding on the node wins; otherwise the thumbnail
// preset file is downscaled and the result is cached back onto the node so
// the decode cost is paid once per image, not once per publish.
func (p *Publisher) resolveThumbnail(ctx context.Context, n *types.ContentNode, files []*types.File) (string, error) {
	if n.ThumbnailEncoding != "" {
		return n.ThumbnailEncoding, nil
	}

	var source *types.File
	for _, f := range files {
		if f.Preset == types.PresetThumbnail {
			source = f
			break
		}
	}
	if source == nil {
		return "", nil
	}

	rc, err := p.store.Open(ctx, source.StorageKey())
	if err != nil {
		return "", fmt.Errorf("open thumbnail blob: %w", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read thumbnail blob: %w", err)
	}

	encoded, err := encodeThumbnail(raw)
	if err != nil {
		return "", err
	}

	if err := p.nodes.UpdateFields(ctx, nil, n.ID, map[string]interface{}{
		"thumbnail_encoding": encoded,
	}); err != nil {
		return "", err
	}
	n.ThumbnailEncoding = encoded
	return encoded, nil
}

func encodeThumbnail(raw []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decode thumbnail: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > thumbnailMaxSide || h > thumbnailMaxSide {
		scale := float64(thumbnailMaxSide) / float64(w)
		if h > w {
			scale = float64(thumbnailMaxSide) / float64(h)
		}
		dw := int(float64(w) * scale)
		dh := int(float64(h) * scale)
		if dw < 1 {
			dw = 1
		}
		if dh < 1 {
			dh = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		img = dst
	}

	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(out.Bytes()), nil
}

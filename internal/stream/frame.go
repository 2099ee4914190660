package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"

	id "invigil/pkg/domain"
)

// SourceTag distinguishes the two capture sources multiplexed on one topic.
type SourceTag string

const (
	SourceScreen SourceTag = "screen"
	SourceCamera SourceTag = "camera"
)

// FrameEvent names the topic event carrying a source's stills.
func FrameEvent(tag SourceTag) string { return string(tag) + "-frame" }

// Frame is a transient compressed still. It is never persisted; the consumer
// keeps only the most recent frame per source.
type Frame struct {
	AttemptID  id.AttemptID `json:"attempt_id"`
	Source     SourceTag    `json:"source"`
	Data       []byte       `json:"data"`
	Width      int          `json:"width"`
	Height     int          `json:"height"`
	CapturedAt time.Time    `json:"captured_at"`
}

// EncodeFrame marshals a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame unmarshals a frame payload.
func DecodeFrame(payload []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// EncodeJPEG compresses an image to a bounded-size JPEG. Images larger than
// maxWidth x maxHeight are downscaled preserving aspect ratio; zero bounds
// keep the source resolution. Returns the encoded bytes and final dimensions.
func EncodeJPEG(img image.Image, maxWidth, maxHeight, quality int) ([]byte, int, int, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, 0, 0, fmt.Errorf("empty image")
	}

	outW, outH := fit(w, h, maxWidth, maxHeight)
	if outW != w || outH != h {
		scaled := image.NewRGBA(image.Rect(0, 0, outW, outH))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, bounds, draw.Src, nil)
		img = scaled
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), outW, outH, nil
}

func fit(w, h, maxW, maxH int) (int, int) {
	if (maxW <= 0 || w <= maxW) && (maxH <= 0 || h <= maxH) {
		return w, h
	}
	scaleW, scaleH := 1.0, 1.0
	if maxW > 0 && w > maxW {
		scaleW = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		scaleH = float64(maxH) / float64(h)
	}
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	outW := int(float64(w) * scale)
	outH := int(float64(h) * scale)
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	return outW, outH
}

package raster

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/draw"

	"github.com/joseph-ayodele/form-extractor/constants"
	"github.com/joseph-ayodele/form-extractor/internal/common"
)

func (r *Rasterizer) encodePage(index int, raw []byte) (Page, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Page{}, common.ImageProcessingError(fmt.Sprintf("decode page %d", index+1), err)
	}

	canvas := Fit(src, r.cfg.TargetWidth, r.cfg.TargetHeight)

	data, mime, err := Encode(canvas, r.cfg.Format, r.cfg.Quality)
	if err != nil {
		return Page{}, common.ImageProcessingError(fmt.Sprintf("encode page %d", index+1), err)
	}
	return Page{
		Index:    index,
		Image:    base64.StdEncoding.EncodeToString(data),
		MIMEType: mime,
		Width:    canvas.Bounds().Dx(),
		Height:   canvas.Bounds().Dy(),
	}, nil
}

// Fit scales src down (never up) to fit w×h keeping its aspect ratio and
// centers it on a white RGB canvas of exactly w×h.
func Fit(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	if sw <= 0 || sh <= 0 {
		return dst
	}

	nw, nh := sw, sh
	if sw > w || sh > h {
		// compare sw/w against sh/h without floats
		if sw*h >= sh*w {
			nw, nh = w, max(1, sh*w/sw)
		} else {
			nw, nh = max(1, sw*h/sh), h
		}
	}

	x0, y0 := (w-nw)/2, (h-nh)/2
	rect := image.Rect(x0, y0, x0+nw, y0+nh)
	if nw == sw && nh == sh {
		draw.Draw(dst, rect, src, sb.Min, draw.Over)
		return dst
	}
	draw.CatmullRom.Scale(dst, rect, src, sb, draw.Over, nil)
	return dst
}

// Encode writes img as JPEG (default) or PNG and returns the bytes and MIME type.
func Encode(img image.Image, format string, quality int) ([]byte, string, error) {
	var buf bytes.Buffer
	switch strings.ToUpper(format) {
	case "PNG":
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), constants.MIMEPNG, nil
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), constants.MIMEJPEG, nil
	}
}

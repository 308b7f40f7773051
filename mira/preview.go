/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package mira

import (
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register image decoders for thumbhashes
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"regexp"

	_ "github.com/gen2brain/avif"
	"github.com/zeebo/blake3"
	"go.n16f.net/thumbhash"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"go.uber.org/zap"
)

// StoredPreview describes a preview blob written by a PreviewStore.
type StoredPreview struct {
	Handle    string
	Size      int64
	Checksum  string
	ThumbHash []byte
}

// PreviewStore keeps the bytes of uploaded media so they can be displayed.
type PreviewStore interface {
	Put(id, contentType string, r io.Reader) (StoredPreview, error)
	Release(id string) error
}

// DiskPreviews stores preview blobs as files in a directory, one per
// record. Each blob is addressed by its record ID.
type DiskPreviews struct {
	dir    string
	logger *zap.Logger
}

// NewDiskPreviews returns a preview store rooted at dir, creating it if
// necessary.
func NewDiskPreviews(logger *zap.Logger, dir string) (*DiskPreviews, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating preview directory: %w", err)
	}
	return &DiskPreviews{dir: dir, logger: logger}, nil
}

// Handle returns the URL path at which the preview of a record is served.
func Handle(id string) string { return "/preview/" + id }

// Put writes the content of r as the preview of record id. It returns the
// blake3 checksum and size of the content and, for images that can be
// decoded, a thumbhash.
func (p *DiskPreviews) Put(id, contentType string, r io.Reader) (StoredPreview, error) {
	path, err := p.path(id)
	if err != nil {
		return StoredPreview{}, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return StoredPreview{}, fmt.Errorf("creating preview file: %w", err)
	}

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return StoredPreview{}, fmt.Errorf("writing preview of %s: %w", id, err)
	}

	stored := StoredPreview{
		Handle:   Handle(id),
		Size:     n,
		Checksum: hex.EncodeToString(h.Sum(nil)),
	}

	if KindOf(contentType) == KindImage {
		th, err := p.thumbhash(path)
		if err != nil {
			p.logger.Debug("could not compute thumbhash",
				zap.String("id", id),
				zap.String("content_type", contentType),
				zap.Error(err))
		}
		stored.ThumbHash = th
	}

	return stored, nil
}

func (p *DiskPreviews) thumbhash(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return thumbhash.EncodeImage(downscale(img, maxThumbhashInput)), nil
}

// thumbhashes are computed from small images; larger inputs only cost time
const maxThumbhashInput = 100

func downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	if w >= h {
		h = max(1, h*maxDim/w)
		w = maxDim
	} else {
		w = max(1, w*maxDim/h)
		h = maxDim
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// Open opens the preview of record id for reading.
func (p *DiskPreviews) Open(id string) (*os.File, error) {
	path, err := p.path(id)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Release deletes the preview of record id. Releasing a preview that does
// not exist is not an error.
func (p *DiskPreviews) Release(id string) error {
	path, err := p.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("releasing preview of %s: %w", id, err)
	}
	return nil
}

// Clear deletes every preview.
func (p *DiskPreviews) Clear() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if validPreviewID.MatchString(e.Name()) {
			errs = append(errs, os.Remove(filepath.Join(p.dir, e.Name())))
		}
	}
	return errors.Join(errs...)
}

func (p *DiskPreviews) path(id string) (string, error) {
	if !validPreviewID.MatchString(id) {
		return "", fmt.Errorf("invalid preview ID: %q", id)
	}
	return filepath.Join(p.dir, id), nil
}

var validPreviewID = regexp.MustCompile(`^[0-9a-z]{26}$`)

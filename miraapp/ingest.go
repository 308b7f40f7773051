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

package miraapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/mholt/archives"
	"github.com/mira-gis/mira/mira"
	"go.uber.org/zap"
)

// Ingest runs the upload pipeline over folders, archives or single files
// without a server, then writes the field report to w. Previews go to a
// temporary folder that is deleted afterwards, so a running server's
// previews are left alone.
func (a *App) Ingest(ctx context.Context, paths []string, w io.Writer) error {
	if len(paths) == 0 {
		return errors.New("no files to ingest")
	}

	cacheDir, err := os.MkdirTemp("", "mira-ingest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(cacheDir)

	a.cfg.CacheDir = cacheDir
	a.cfg.BatchDelay = 0
	a.cfg.DemoRecords = 0
	dash, err := a.openDashboard()
	if err != nil {
		return err
	}
	defer a.Shutdown()

	var files []mira.UploadFile
	for _, p := range paths {
		found, err := uploadFilesFrom(ctx, p)
		if err != nil {
			return err
		}
		files = append(files, found...)
	}

	start := time.Now()
	if err := dash.Pipeline.Ingest(ctx, files); err != nil {
		return err
	}
	prog := dash.Pipeline.Progress()
	a.log.Info("ingested files",
		zap.Int("found", len(files)),
		zap.Int("media", prog.Total),
		zap.Int("added", prog.Added),
		zap.Duration("duration", time.Since(start)))

	return mira.RenderReport(w, dash.Report())
}

// uploadFilesFrom lists the files in a folder, an archive or a single
// file. Files keep their path relative to the folder's (or archive's)
// parent, so the folder name becomes their group.
func uploadFilesFrom(ctx context.Context, root string) ([]mira.UploadFile, error) {
	fsys, err := archives.FileSystem(ctx, root, nil)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", root, err)
	}
	rootName := archiveBaseName(filepath.Base(filepath.Clean(root)))

	var files []mira.UploadFile
	err = fs.WalkDir(fsys, ".", func(fpath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if fpath != "." && path.Base(fpath)[0] == '.' {
				return fs.SkipDir
			}
			return nil
		}
		if fpath != "." && path.Base(fpath)[0] == '.' {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		name, relPath := path.Base(fpath), path.Join(rootName, fpath)
		if fpath == "." {
			// a single file
			name, relPath = filepath.Base(root), filepath.Base(root)
		}

		open := func() (io.ReadCloser, error) { return fsys.Open(fpath) }
		contentType, err := detectContentType(open)
		if err != nil {
			return fmt.Errorf("detecting type of %s: %w", relPath, err)
		}

		files = append(files, mira.UploadFile{
			Name:         name,
			RelativePath: relPath,
			ContentType:  contentType,
			ModTime:      info.ModTime(),
			Size:         info.Size(),
			Open:         open,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return files, nil
}

func detectContentType(open func() (io.ReadCloser, error)) (string, error) {
	f, err := open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return "", err
	}
	return mtype.String(), nil
}

// archiveBaseName strips archive extensions, so the files of
// "flight-7.tar.gz" are grouped as "flight-7".
func archiveBaseName(name string) string {
	for {
		ext := filepath.Ext(name)
		switch ext {
		case ".zip", ".tar", ".gz", ".tgz", ".xz", ".zst", ".bz2", ".7z", ".rar":
			name = name[:len(name)-len(ext)]
			continue
		}
		return name
	}
}

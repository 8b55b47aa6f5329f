package gridpack

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ArchiveName is the input bundle transferred with every batch job
const ArchiveName = "input_files.tar.gz"

// buildArchive packs the input_files directory into input_files.tar.gz
// in the local working directory. Entries are added in lexical order so
// rebuilding over the same inputs yields the same tree.
func (e *Entity) buildArchive() error {
	localDir := e.LocalDir()
	jobFiles := e.JobFilesPath()

	target, err := os.Create(filepath.Join(localDir, ArchiveName))
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer target.Close()

	gz := gzip.NewWriter(target)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	err = filepath.WalkDir(jobFiles, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relative, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relative)
		if entry.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		source, err := os.Open(path)
		if err != nil {
			return err
		}
		defer source.Close()

		_, err = io.Copy(tw, source)
		return err
	})

	if err != nil {
		return fmt.Errorf("failed to build %s: %w", ArchiveName, err)
	}
	return nil
}

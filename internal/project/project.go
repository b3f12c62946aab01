// Package project упаковывает директорию проекта в tar.gz и читает
// манифест conveyor.yml из архива.
//
// Манифест:
//
//	workflows:
//	  - name: load
//	    type: redshift_load
//	    config:
//	      table: staging.events
//	      source: s3://bucket/events/
//	      format: json
package project

import (
	"archive/tar"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Conveyor/internal/domain"
)

// ManifestName — имя манифеста в корне архива.
const ManifestName = "conveyor.yml"

// maxManifestSize — ограничение на размер манифеста.
const maxManifestSize = 1 << 20

var (
	// ErrNoManifest — в архиве нет conveyor.yml.
	ErrNoManifest = errors.New("archive has no " + ManifestName)

	// ErrInvalidManifest — манифест не разбирается или некорректен.
	ErrInvalidManifest = errors.New("invalid manifest")
)

// Manifest — содержимое conveyor.yml.
type Manifest struct {
	Workflows []domain.WorkflowDef `yaml:"workflows"`
}

// ParseManifest разбирает и проверяет манифест.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate проверяет, что у каждого workflow есть уникальное имя и тип.
func (m *Manifest) Validate() error {
	if len(m.Workflows) == 0 {
		return fmt.Errorf("%w: no workflows defined", ErrInvalidManifest)
	}
	seen := make(map[string]struct{}, len(m.Workflows))
	for i, wf := range m.Workflows {
		if wf.Name == "" {
			return fmt.Errorf("%w: workflow #%d has no name", ErrInvalidManifest, i+1)
		}
		if wf.Type == "" {
			return fmt.Errorf("%w: workflow %q has no type", ErrInvalidManifest, wf.Name)
		}
		if _, dup := seen[wf.Name]; dup {
			return fmt.Errorf("%w: duplicate workflow %q", ErrInvalidManifest, wf.Name)
		}
		seen[wf.Name] = struct{}{}
	}
	return nil
}

// ReadManifest находит conveyor.yml в tar.gz архиве и разбирает его.
func ReadManifest(archive []byte) (*Manifest, error) {
	gz, err := pgzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("%w: not a gzip archive: %v", ErrInvalidManifest, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoManifest
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read archive: %v", ErrInvalidManifest, err)
		}
		if hdr.Typeflag != tar.TypeReg || strings.TrimPrefix(hdr.Name, "./") != ManifestName {
			continue
		}
		if hdr.Size > maxManifestSize {
			return nil, fmt.Errorf("%w: %s is too large", ErrInvalidManifest, ManifestName)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidManifest, ManifestName, err)
		}
		return ParseManifest(data)
	}
}

// Checksum возвращает hex MD5 архива.
func Checksum(archive []byte) string {
	sum := md5.Sum(archive)
	return hex.EncodeToString(sum[:])
}

// Pack упаковывает директорию в tar.gz. Скрытые файлы и директории
// (начинающиеся с точки) пропускаются.
func Pack(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

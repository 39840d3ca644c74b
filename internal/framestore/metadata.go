package framestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/banshee-data/splatseq/internal/fsutil"
)

// MetadataFile is the optional sidecar written next to converted frames.
const MetadataFile = "sequence.json"

// Metadata describes how a sequence was produced.
type Metadata struct {
	FPS       float64   `json:"fps,omitempty"`
	Source    string    `json:"source,omitempty"`
	Frames    int       `json:"frames"`
	JobID     string    `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteMetadata stores md as dir/sequence.json.
func WriteMetadata(fsys fsutil.FileSystem, dir string, md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return fsys.WriteFile(filepath.Join(dir, MetadataFile), data, 0644)
}

// ReadMetadata loads dir/sequence.json. A missing sidecar returns
// (nil, nil).
func ReadMetadata(fsys fsutil.FileSystem, dir string) (*Metadata, error) {
	data, err := fsys.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", MetadataFile, err)
	}
	return &md, nil
}

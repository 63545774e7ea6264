// Package catalog loads the specimen metadata documents (specimen_<n>.json).
// The controller only reads the zoom, focus and rotation offset targets;
// every other field is passed through to the display layer unchanged.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/mindatnh/scopestand/internal/debug"
)

const placeholderImage = "placeholder.png"

// Specimen is one metadata document.
type Specimen struct {
	DisplayNumber int    `json:"display_number"`
	Name          string `json:"name"`
	Chem          string `json:"chem"`
	Location      string `json:"location"`
	Collector     string `json:"collector"`
	MapImage      string `json:"map_image"`
	EDSImage      string `json:"eds_image"`
	QRCodeImage   string `json:"qr_code_image"`

	DefaultZoom           int `json:"default_zoom"`
	DefaultFocus          int `json:"default_focus"`
	DefaultRotationOffset int `json:"default_rotation_offset"`
}

// Default returns the document used when specimen_<id>.json is missing.
func Default(id int) Specimen {
	s := Specimen{DisplayNumber: id}
	s.fillDefaults()
	return s
}

func (s *Specimen) fillDefaults() {
	if s.Name == "" {
		s.Name = fmt.Sprintf("Specimen %d", s.DisplayNumber)
	}
	for _, f := range []*string{&s.Location, &s.Collector, &s.Chem} {
		if *f == "" {
			*f = "Unknown"
		}
	}
	for _, f := range []*string{&s.MapImage, &s.EDSImage, &s.QRCodeImage} {
		if *f == "" {
			*f = placeholderImage
		}
	}
}

// Catalog maps specimen ids to their documents. It is immutable once
// loaded.
type Catalog struct {
	specimens map[int]Specimen
	ids       []int
}

// FileName returns the document name of specimen id.
func FileName(id int) string {
	return fmt.Sprintf("specimen_%d.json", id)
}

// Parse decodes one document. display_number defaults to id.
func Parse(id int, data []byte) (Specimen, error) {
	var s Specimen
	if err := json.Unmarshal(data, &s); err != nil {
		return Specimen{}, fmt.Errorf("decode %s: %w", FileName(id), err)
	}
	if s.DisplayNumber == 0 {
		s.DisplayNumber = id
	}
	s.fillDefaults()
	return s, nil
}

// LoadDir reads specimen_<id>.json from dir for every id. Missing files
// fall back to Default; unreadable or malformed files are errors. A
// document's display_number, when set, is the key it is filed under.
func LoadDir(dir string, ids []int) (*Catalog, error) {
	c := &Catalog{specimens: make(map[int]Specimen, len(ids))}
	for _, id := range ids {
		path := filepath.Join(dir, FileName(id))
		var s Specimen
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			debug.Verbose("Catalog: %s missing, using defaults", path)
			s = Default(id)
		case err != nil:
			return nil, fmt.Errorf("read %s: %w", path, err)
		default:
			if s, err = Parse(id, data); err != nil {
				return nil, err
			}
		}
		if _, dup := c.specimens[s.DisplayNumber]; dup {
			return nil, fmt.Errorf("catalog: display_number %d used twice (%s)", s.DisplayNumber, path)
		}
		c.specimens[s.DisplayNumber] = s
		debug.Verbose("Catalog: specimen %d -> zoom=%d focus=%d offset=%d",
			s.DisplayNumber, s.DefaultZoom, s.DefaultFocus, s.DefaultRotationOffset)
	}
	c.index()
	return c, nil
}

// New builds a catalog from documents already in memory.
func New(specimens ...Specimen) *Catalog {
	c := &Catalog{specimens: make(map[int]Specimen, len(specimens))}
	for _, s := range specimens {
		s.fillDefaults()
		c.specimens[s.DisplayNumber] = s
	}
	c.index()
	return c
}

func (c *Catalog) index() {
	c.ids = make([]int, 0, len(c.specimens))
	for id := range c.specimens {
		c.ids = append(c.ids, id)
	}
	sort.Ints(c.ids)
}

// Config returns the document of specimen id. Unknown ids get Default.
func (c *Catalog) Config(id int) (Specimen, bool) {
	s, ok := c.specimens[id]
	if !ok {
		return Default(id), false
	}
	return s, true
}

// IDs returns the specimen ids in ascending order.
func (c *Catalog) IDs() []int {
	return append([]int(nil), c.ids...)
}

// Len returns the number of specimens.
func (c *Catalog) Len() int {
	return len(c.ids)
}

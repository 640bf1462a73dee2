package tarpit

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"time"
)

// zipEpoch pins entry timestamps so decoy archives stay byte-stable.
var zipEpoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Zip builds a deterministic decoy archive for a labyrinth path ending in
// .zip. The entries hold the same prose the HTML pages serve, so a crawler
// downloading "data exports" gets nothing but chain output.
func (g *Generator) Zip(path string) ([]byte, error) {
	rng := g.rngFor(path)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	entries := 3 + rng.Intn(4)
	for i := 0; i < entries; i++ {
		name := fmt.Sprintf("export_%s.txt", g.slug(rng))
		paragraphs, err := g.prose(rng, 80+rng.Intn(120))
		if err != nil {
			return nil, err
		}

		f, err := w.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: zipEpoch,
		})
		if err != nil {
			return nil, fmt.Errorf("creating decoy entry: %w", err)
		}
		if _, err := f.Write([]byte(strings.Join(paragraphs, "\n\n"))); err != nil {
			return nil, fmt.Errorf("writing decoy entry: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing decoy archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Package document extracts plain text from script files.
package document

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ErrNoBody is returned for a .docx archive without word/document.xml.
var ErrNoBody = errors.New("docx archive has no word/document.xml")

// Read returns the text of a .docx or plain-text script. Paragraphs of a
// .docx are joined with newlines; invalid UTF-8 in a text file is dropped.
func Read(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".docx") {
		zr, err := zip.OpenReader(path)
		if err != nil {
			return "", fmt.Errorf("open docx: %w", err)
		}
		defer zr.Close()
		return docxText(&zr.Reader)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

// ReadDocx extracts the paragraphs of a .docx held in memory.
func ReadDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	return docxText(zr)
}

func docxText(zr *zip.Reader) (string, error) {
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		defer rc.Close()
		paras, err := paragraphs(rc)
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		return strings.Join(paras, "\n"), nil
	}
	return "", ErrNoBody
}

// paragraphs walks the body and returns the text of every top-level
// paragraph. Paragraphs inside tables are skipped, as are paragraphs nested
// in another one (text boxes); the outer paragraph keeps its own text.
func paragraphs(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var (
		out     []string
		current strings.Builder
		depth   int
		inText  bool
		tables  int
	)
	// own reports whether content belongs to the current top-level paragraph.
	own := func() bool { return depth == 1 && tables == 0 }
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tables++
			case "p":
				if tables == 0 {
					depth++
					if depth == 1 {
						current.Reset()
					}
				}
			case "t":
				inText = own()
			case "tab":
				if own() {
					current.WriteByte('\t')
				}
			case "br", "cr":
				if own() {
					current.WriteByte('\n')
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tbl":
				tables--
			case "p":
				if tables == 0 && depth > 0 {
					depth--
					if depth == 0 {
						out = append(out, current.String())
					}
				}
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText {
				current.Write(t)
			}
		}
	}
}

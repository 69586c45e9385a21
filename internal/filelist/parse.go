package filelist

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/net/html/charset"
)

var ErrMalformedListing = errors.New("filelist: malformed listing")

const (
	elemListing   = "FileListing"
	elemDirectory = "Directory"
	elemFile      = "File"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type dirFrame struct {
	name     string
	children []Node
}

// Parse reads a FileListing document into a tree rooted at the listing.
func Parse(data []byte) (*Directory, error) {
	data = bytes.TrimLeft(bytes.TrimPrefix(bytes.TrimSpace(data), utf8BOM), " \t\r\n")
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedListing)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel

	var (
		stack []*dirFrame
		root  *Directory
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedListing, err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			if root != nil {
				return nil, fmt.Errorf("%w: content after root element", ErrMalformedListing)
			}
			name := el.Name.Local
			switch {
			case len(stack) == 0 && name != elemListing:
				return nil, fmt.Errorf("%w: unexpected root element %q", ErrMalformedListing, name)

			case name == elemListing && len(stack) > 0:
				return nil, fmt.Errorf("%w: nested %s", ErrMalformedListing, elemListing)

			case name == elemListing || name == elemDirectory:
				dirName, ok := attr(el, "Name")
				if !ok {
					dirName = name
				}
				stack = append(stack, &dirFrame{name: dirName})

			case name == elemFile:
				file, err := parseFile(el)
				if err != nil {
					return nil, err
				}
				top := stack[len(stack)-1]
				top.children = append(top.children, file)
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedListing, err)
				}

			default:
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedListing, err)
				}
			}

		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: unbalanced element %q", ErrMalformedListing, el.Name.Local)
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			dir := NewDirectory(top.name, top.children...)
			if len(stack) == 0 {
				root = dir
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, dir)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("%w: no %s element", ErrMalformedListing, elemListing)
	}
	return root, nil
}

func parseFile(el xml.StartElement) (*File, error) {
	name, _ := attr(el, "Name")

	rawSize, ok := attr(el, "Size")
	if !ok {
		return nil, fmt.Errorf("%w: file %q without size", ErrMalformedListing, name)
	}
	size, err := strconv.ParseInt(rawSize, 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("%w: file %q has invalid size %q", ErrMalformedListing, name, rawSize)
	}

	tth, ok := attr(el, "TTH")
	if !ok || tth == "" {
		return nil, fmt.Errorf("%w: file %q without TTH", ErrMalformedListing, name)
	}

	return NewFile(name, size, tth), nil
}

func attr(el xml.StartElement, name string) (string, bool) {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

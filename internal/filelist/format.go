package filelist

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
)

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PT"}

// FormatSize renders n with one decimal in the largest unit that keeps the
// value below 1024.
func FormatSize(n int64) string {
	value := float64(n)
	for i, unit := range sizeUnits {
		if value < 1024 || i == len(sizeUnits)-1 {
			return fmt.Sprintf("%3.1f %s", value, unit)
		}
		value /= 1024
	}
	return ""
}

// Magnet builds a tiger tree hash magnet link.
func Magnet(name string, size int64, tth string) string {
	return "magnet:?xt=urn:tree:tiger:" + tth +
		"&xl=" + strconv.FormatInt(size, 10) +
		"&dn=" + url.QueryEscape(name)
}

// Record is the flattened, storable form of a diff entry.
type Record struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	TTH  string `json:"tth,omitempty"`
	Dir  bool   `json:"dir,omitempty"`
}

func RecordOf(n Node) Record {
	r := Record{Path: Path(n), Size: n.Size()}
	switch v := n.(type) {
	case *File:
		r.TTH = v.tth
	case *Directory:
		r.Dir = true
	}
	return r
}

func Records(nodes []Node) []Record {
	out := make([]Record, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, RecordOf(n))
	}
	return out
}

// Format renders "<path> [<size>]", followed by a magnet link for files when
// withMagnet is set.
func (r Record) Format(withMagnet bool) string {
	s := fmt.Sprintf("%s [%s]", r.Path, FormatSize(r.Size))
	if withMagnet && !r.Dir && r.TTH != "" {
		s += " " + Magnet(path.Base(r.Path), r.Size, r.TTH)
	}
	return s
}

func Format(n Node, withMagnet bool) string {
	return RecordOf(n).Format(withMagnet)
}

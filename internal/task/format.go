package task

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Format is the transfer kind of a task, decided by the source URL.
type Format int32

const (
	FormatProgressive Format = iota
	FormatSegmented
	FormatUnknown
)

func (f Format) String() string {
	switch f {
	case FormatProgressive:
		return "Progressive"
	case FormatSegmented:
		return "Segmented"
	case FormatUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Format(%d)", f)
	}
}

// ClassifyURL maps a source URL to a transfer format by its path extension.
// Unknown formats are dispatched like Progressive ones.
func ClassifyURL(rawURL string) Format {
	u, err := url.Parse(rawURL)
	if err != nil {
		return FormatUnknown
	}

	switch strings.ToLower(path.Ext(u.Path)) {
	case ".m3u8":
		return FormatSegmented
	case ".mp4":
		return FormatProgressive
	default:
		return FormatUnknown
	}
}

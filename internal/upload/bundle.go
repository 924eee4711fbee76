package upload

import (
	"log/slog"
)

// PageFile is one surviving page queued for transport.
type PageFile struct {
	Number int
	Path   string
	Size   int64
}

// Bundle is an ordered, non-empty group of pages packaged into one archive.
type Bundle struct {
	Pages      []PageFile
	TotalBytes int64
}

// PlanBundles partitions pages into bundles respecting the page-count and
// byte-size ceilings. Either cap may be 0 for unlimited; with both unlimited
// the result is a single bundle. A page that alone exceeds the byte cap is
// never split or dropped: it forms its own bundle, with a warning.
func PlanBundles(pages []PageFile, maxPages int, maxBytes int64, log *slog.Logger) []Bundle {
	if len(pages) == 0 {
		return nil
	}

	var bundles []Bundle
	current := Bundle{}

	for _, page := range pages {
		overCount := maxPages > 0 && len(current.Pages)+1 > maxPages
		overBytes := maxBytes > 0 && current.TotalBytes+page.Size > maxBytes

		if (overCount || overBytes) && len(current.Pages) > 0 {
			bundles = append(bundles, current)
			current = Bundle{}
		}

		if maxBytes > 0 && page.Size > maxBytes {
			log.Warn("Page alone exceeds bundle byte ceiling, shipping it as its own bundle",
				"page", page.Number, "bytes", page.Size, "max_bytes", maxBytes)
		}

		current.Pages = append(current.Pages, page)
		current.TotalBytes += page.Size
	}

	if len(current.Pages) > 0 {
		bundles = append(bundles, current)
	}
	return bundles
}

package lot

import (
	"fmt"
	"path"
	"strings"
)

// Object key roots for remote storage.
const (
	imageKeyRoot = "raw/auctions"
	pageKeyRoot  = "raw/pages"
	pagesDir     = "_pages"
)

// SnapshotExt is the extension of a compressed page snapshot.
const SnapshotExt = ".html.gz"

// FileName is the zero-padded per-lot file name, e.g. Lot_00017.jpg.
func FileName(lotNumber int, ext string) string {
	return fmt.Sprintf("Lot_%05d%s", lotNumber, ext)
}

// ImageKey is the remote key for a lot image: raw/auctions/{site}/{sale}/Lot_NNNNN{ext}.
func ImageKey(c Coordinates, ext string) string {
	return path.Join(imageKeyRoot, segment(c.Site), segment(c.SaleID), FileName(c.Lot, ext))
}

// PageKey is the remote key for a page snapshot: raw/pages/{site}/{sale}/Lot_NNNNN{ext}.
func PageKey(c Coordinates, ext string) string {
	return path.Join(pageKeyRoot, segment(c.Site), segment(c.SaleID), FileName(c.Lot, ext))
}

// ImagePath is the local path of a lot image relative to the local root: {folder}/Lot_NNNNN{ext}.
func ImagePath(folder string, lotNumber int, ext string) string {
	return path.Join(folder, FileName(lotNumber, ext))
}

// PagePath is the local path of a page snapshot relative to the local root: {folder}/_pages/Lot_NNNNN{ext}.
func PagePath(folder string, lotNumber int, ext string) string {
	return path.Join(folder, pagesDir, FileName(lotNumber, ext))
}

// segment keeps a site or sale identifier from introducing extra key levels.
func segment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

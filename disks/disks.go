// Package disks is a small data-driven lookup table of the floppy
// geometries and Amiga DOS-type magics the driver recognizes, loaded from
// an embedded CSV via gocarina/gocsv. It backs nothing functional in the
// driver itself (proto.DriveTypeForFileSize is the source of truth for
// geometry decisions, including examine_file_size); DOSTypeName makes
// snapshot diagnostics human-readable instead of bare magic numbers.
package disks

import (
	_ "embed"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/obarthel/trackfile/internal/proto"
)

// GeometryRow is one recognized floppy geometry.
type GeometryRow struct {
	Slug            string `csv:"slug"`
	Label           string `csv:"label"`
	Cylinders       uint   `csv:"cylinders"`
	Heads           uint   `csv:"heads"`
	SectorsPerTrack uint   `csv:"sectors_per_track"`
	SectorSize      uint   `csv:"sector_size"`
}

// TotalSizeBytes is the exact image size this geometry implies.
func (g GeometryRow) TotalSizeBytes() int64 {
	return int64(g.Cylinders) * int64(g.Heads) * int64(g.SectorsPerTrack) * int64(g.SectorSize)
}

// DOSTypeRow names one recognized Amiga DOS-type magic word.
type DOSTypeRow struct {
	Magic string `csv:"magic_hex"`
	Name  string `csv:"name"`
}

//go:embed geometries.csv
var geometriesCSV string

//go:embed dostypes.csv
var dosTypesCSV string

var geometriesBySlug map[string]GeometryRow
var dosTypeNames map[uint32]string

func init() {
	var rows []GeometryRow
	if err := gocsv.UnmarshalBytes([]byte(geometriesCSV), &rows); err != nil {
		panic(err)
	}
	geometriesBySlug = make(map[string]GeometryRow, len(rows))
	for _, row := range rows {
		geometriesBySlug[row.Slug] = row
	}

	var dosRows []DOSTypeRow
	if err := gocsv.UnmarshalBytes([]byte(dosTypesCSV), &dosRows); err != nil {
		panic(err)
	}
	dosTypeNames = make(map[uint32]string, len(dosRows))
	for _, row := range dosRows {
		magic, err := strconv.ParseUint(strings.TrimSpace(row.Magic), 16, 32)
		if err != nil {
			panic(err)
		}
		dosTypeNames[uint32(magic)] = row.Name
	}
}

// LookupGeometry returns the table row for a drive type, keyed by its
// lowercase slug ("dd"/"hd").
func LookupGeometry(dt proto.DriveType) (GeometryRow, bool) {
	slug := "dd"
	if dt == proto.DriveTypeHD {
		slug = "hd"
	}
	row, ok := geometriesBySlug[slug]
	return row, ok
}

// IdentifyByteSize maps an image size to the drive type it implies by
// scanning the geometry table, the diagnostic twin of
// proto.DriveTypeForFileSize.
func IdentifyByteSize(size int64) (proto.DriveType, bool) {
	for slug, row := range geometriesBySlug {
		if row.TotalSizeBytes() != size {
			continue
		}
		if slug == "hd" {
			return proto.DriveTypeHD, true
		}
		return proto.DriveTypeDD, true
	}
	return 0, false
}

// DOSTypeName returns the human-readable filesystem name for a DOS-type
// magic word (e.g. "FFS", "PFS"), or "" if the magic isn't recognized.
func DOSTypeName(dosType uint32) string {
	return dosTypeNames[dosType]
}

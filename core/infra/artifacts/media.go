package artifacts

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"
)

var mediaTypes = map[string]string{
	".nc":    "application/x-netcdf",
	".grib2": "application/grib2",
	".grb2":  "application/grib2",
	".grb":   "application/grib",
	".tif":   "image/tiff",
	".tiff":  "image/tiff",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".mp4":   "video/mp4",
	".zip":   "application/zip",
	".json":  "application/json",
	".txt":   "text/plain",
	".csv":   "text/csv",
}

// MediaType infers a media type from the file extension. Unknown extensions
// fall back to the system mime table and then to "".
func MediaType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if mt, ok := mediaTypes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	return ""
}

type signature struct {
	offset int
	magic  []byte
	ext    string
}

var signatures = []signature{
	{0, []byte("\x89PNG\r\n\x1a\n"), ".png"},
	{0, []byte("\xff\xd8\xff"), ".jpg"},
	{0, []byte("GIF87a"), ".gif"},
	{0, []byte("GIF89a"), ".gif"},
	{0, []byte("II*\x00"), ".tif"},
	{0, []byte("MM\x00*"), ".tif"},
	{0, []byte("CDF\x01"), ".nc"},
	{0, []byte("CDF\x02"), ".nc"},
	{0, []byte("\x89HDF\r\n\x1a\n"), ".nc"},
	{0, []byte("GRIB"), ".grib2"},
	{0, []byte("PK\x03\x04"), ".zip"},
	{0, []byte("%PDF-"), ".pdf"},
	{0, []byte("\x1f\x8b"), ".gz"},
	{4, []byte("ftyp"), ".mp4"},
}

// SniffExtension guesses a file extension from content signatures.
func SniffExtension(data []byte) string {
	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if len(data) >= end && bytes.Equal(data[sig.offset:end], sig.magic) {
			return sig.ext
		}
	}
	return ".bin"
}

package enhance

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Image formats recognised by magic bytes
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatGIF  = "gif"
	FormatWebP = "webp"
	FormatTIFF = "tiff"
	FormatBMP  = "bmp"
)

// DetectFormat detects the image format from content magic bytes.
// Uploads frequently arrive as application/octet-stream, so the declared
// MIME type is never trusted for format decisions.
func DetectFormat(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// PNG: 0x89 'P' 'N' 'G' 0x0D 0x0A 0x1A 0x0A
	if len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		return FormatPNG
	}

	// JPEG: 0xFF 0xD8 0xFF
	if bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}) {
		return FormatJPEG
	}

	// GIF: 'G' 'I' 'F' '8' ('7' or '9') 'a'
	if bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")) {
		return FormatGIF
	}

	// WebP: 'R' 'I' 'F' 'F' .... 'W' 'E' 'B' 'P'
	if len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP" {
		return FormatWebP
	}

	// TIFF: 'I' 'I' 0x2A 0x00 (little-endian) or 'M' 'M' 0x00 0x2A (big-endian)
	if bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}) {
		return FormatTIFF
	}

	// BMP: 'B' 'M'
	if bytes.HasPrefix(data, []byte("BM")) {
		return FormatBMP
	}

	return ""
}

// IsLossless reports whether the container format preserves pixels exactly
func IsLossless(format string) bool {
	switch format {
	case FormatPNG, FormatTIFF, FormatBMP:
		return true
	}
	return false
}

// MimeType maps a detected format to its MIME type
func MimeType(format string) string {
	if format == "" {
		return "application/octet-stream"
	}
	return "image/" + format
}

// ReadDPI extracts the declared horizontal density. Zero means unknown.
func ReadDPI(data []byte, format string) int {
	switch format {
	case FormatPNG:
		return pngDPI(data)
	case FormatJPEG:
		return jfifDPI(data)
	case FormatBMP:
		return bmpDPI(data)
	}
	return 0
}

// pngDPI reads the pHYs chunk; unit 1 means pixels per metre
func pngDPI(data []byte) int {
	pos := 8
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		kind := string(data[pos+4 : pos+8])
		body := pos + 8
		if length < 0 || body+length > len(data) {
			return 0
		}
		switch kind {
		case "pHYs":
			if length < 9 || data[body+8] != 1 {
				return 0
			}
			ppm := binary.BigEndian.Uint32(data[body : body+4])
			return int(math.Round(float64(ppm) * 0.0254))
		case "IDAT", "IEND":
			return 0
		}
		pos = body + length + 4
	}
	return 0
}

// jfifDPI reads the density fields of the APP0 JFIF segment
func jfifDPI(data []byte) int {
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return 0
		}
		marker := data[pos+1]
		if marker == 0xDA || marker == 0xD9 {
			return 0
		}
		length := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		body := pos + 4
		if length < 2 || body+length-2 > len(data) {
			return 0
		}
		if marker == 0xE0 && length >= 16 && bytes.HasPrefix(data[body:], []byte("JFIF\x00")) {
			units := data[body+7]
			density := int(binary.BigEndian.Uint16(data[body+8 : body+10]))
			switch units {
			case 1:
				return density
			case 2:
				return int(math.Round(float64(density) * 2.54))
			}
			return 0
		}
		pos = body + length - 2
	}
	return 0
}

// bmpDPI reads biXPelsPerMeter from the BITMAPINFOHEADER
func bmpDPI(data []byte) int {
	if len(data) < 42 {
		return 0
	}
	ppm := int32(binary.LittleEndian.Uint32(data[38:42]))
	if ppm <= 0 {
		return 0
	}
	return int(math.Round(float64(ppm) * 0.0254))
}

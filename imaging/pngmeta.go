package imaging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"io"
	"os"
	"sort"
	"strings"
)

// pngHeaderLen is the signature plus the complete IHDR chunk.
const pngHeaderLen = 8 + 4 + 4 + 13 + 4

// EncodePNG writes img as a PNG with one tEXt chunk per metadata entry,
// inserted directly after the IHDR chunk. Keywords must be Latin-1 and at
// most 79 bytes per the PNG specification.
func EncodePNG(w io.Writer, img image.Image, metadata map[string]string) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encoding png: %w", err)
	}
	raw := buf.Bytes()
	if len(raw) < pngHeaderLen {
		return fmt.Errorf("encoded png too short: %d bytes", len(raw))
	}

	if _, err := w.Write(raw[:pngHeaderLen]); err != nil {
		return err
	}

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeTextChunk(w, k, metadata[k]); err != nil {
			return err
		}
	}

	_, err := w.Write(raw[pngHeaderLen:])
	return err
}

// SavePNG writes img to path with the given metadata embedded.
func SavePNG(path string, img image.Image, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := EncodePNG(f, img, metadata); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeTextChunk(w io.Writer, keyword, text string) error {
	if keyword == "" || len(keyword) > 79 {
		return fmt.Errorf("invalid tEXt keyword %q", keyword)
	}
	if strings.ContainsRune(keyword, 0) || strings.ContainsRune(text, 0) {
		return fmt.Errorf("tEXt entry %q contains NUL", keyword)
	}

	payload := make([]byte, 0, len(keyword)+1+len(text))
	payload = append(payload, keyword...)
	payload = append(payload, 0)
	payload = append(payload, text...)

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}

	chunk := append([]byte("tEXt"), payload...)
	if _, err := w.Write(chunk); err != nil {
		return err
	}

	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(chunk))
	_, err := w.Write(crc[:])
	return err
}

// ReadTextChunks returns the tEXt metadata entries of a PNG stream.
func ReadTextChunks(r io.Reader) (map[string]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("not a png: %d bytes", len(data))
	}

	out := make(map[string]string)
	pos := 8
	for pos+12 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		end := pos + 8 + length
		if end+4 > len(data) {
			break
		}
		if typ == "tEXt" {
			payload := data[pos+8 : end]
			if i := bytes.IndexByte(payload, 0); i >= 0 {
				out[string(payload[:i])] = string(payload[i+1:])
			}
		}
		pos = end + 4
	}
	return out, nil
}

// Package archive unwraps zip containers, including password-protected
// ones, into individual statement payloads.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/yeka/zip"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

// maxEntrySize bounds decompression of a single entry. Bank statements are
// small; anything past this is a malformed or hostile archive.
const maxEntrySize = 64 << 20

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// ooxmlMarker is the entry every OOXML document (xlsx among them) carries.
// Those files share the zip magic bytes but are single statements, not
// containers of statements.
const ooxmlMarker = "[Content_Types].xml"

// IsArchive reports whether the payload is a zip container of statements.
// The magic bytes decide, not the extension, and OOXML workbooks are
// excluded by their marker entry. A payload with zip magic that fails to
// open still counts as an archive; Extract surfaces the access error.
func IsArchive(payload source.Payload) bool {
	if !bytes.HasPrefix(payload.Data, zipMagic) {
		return false
	}
	reader, err := zip.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return true
	}
	for _, file := range reader.File {
		if file.Name == ooxmlMarker {
			return false
		}
	}
	return true
}

// Extract unwraps every regular file in the archive into its own payload,
// ordered by entry name. Encrypted entries are decrypted with the given
// password; a missing or wrong password surfaces as an access error.
func Extract(payload source.Payload, password string) ([]source.Payload, error) {
	reader, err := zip.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return nil, &domain.SourceAccessError{Source: payload.Name, Err: err}
	}

	var extracted []source.Payload
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		name := file.Name
		if strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(file.FileInfo().Name(), ".") {
			continue
		}

		if file.IsEncrypted() {
			if password == "" {
				return nil, &domain.SourceAccessError{
					Source: payload.Name,
					Err:    fmt.Errorf("entry %s is encrypted and no password was provided", name),
				}
			}
			file.SetPassword(password)
		}

		rc, err := file.Open()
		if err != nil {
			return nil, &domain.SourceAccessError{
				Source: payload.Name,
				Err:    fmt.Errorf("entry %s: %w", name, err),
			}
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
		rc.Close()
		if err != nil {
			// Wrong passwords on AES entries fail the integrity check here
			// rather than at Open.
			return nil, &domain.SourceAccessError{
				Source: payload.Name,
				Err:    fmt.Errorf("entry %s: %w", name, err),
			}
		}
		if len(data) > maxEntrySize {
			return nil, &domain.SourceAccessError{
				Source: payload.Name,
				Err:    fmt.Errorf("entry %s exceeds %d bytes", name, maxEntrySize),
			}
		}
		extracted = append(extracted, source.Payload{Name: name, Data: data})
	}

	if len(extracted) == 0 {
		return nil, &domain.SourceAccessError{
			Source: payload.Name,
			Err:    fmt.Errorf("archive contains no files"),
		}
	}

	sort.Slice(extracted, func(i, j int) bool { return extracted[i].Name < extracted[j].Name })
	return extracted, nil
}

// Package split partitions an export document into one file per directory
// record, named by the record's account-name attribute.
package split

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// AccountNameAttribute is the attribute whose value becomes the output
// filename stem.
const AccountNameAttribute = "sAMAccountName"

// recordBoundaryPrefix marks the first line of a new directory entry.
const recordBoundaryPrefix = "dn:"

// ErrNoAccountName marks a record with no usable account-name attribute.
// Such records keep their temporary chunk filename and are reported by the
// caller instead of being silently dropped.
var ErrNoAccountName = errors.New("split: record has no account name attribute")

// Result reports what a Split run produced.
type Result struct {
	// Written holds the final per-account file paths, in record order.
	Written []string
	// Unmatched holds chunk files left under their temporary names because
	// no account-name attribute was found in them.
	Unmatched []string
}

// Split cuts an export document into one chunk per record boundary, writes
// each chunk to an order-preserving temporary file in outDir, then renames
// every chunk to <account-name>.ldif and strips its blank lines in place.
//
// A record whose account name only exists base64-encoded is decoded first;
// literal '$' characters in the decoded value are escaped as '\$'. A decode
// failure aborts the run. A record with no account-name attribute in either
// form is left under its temporary name and reported in Result.Unmatched.
func Split(doc []byte, outDir string, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	chunks := cut(unfold(doc))
	if len(chunks) == 0 {
		logger.Warn("export_has_no_records",
			slog.String("out_dir", outDir))
	}

	res := &Result{}
	for i, chunk := range chunks {
		tmpPath := filepath.Join(outDir, fmt.Sprintf("record-%06d.tmp", i))
		if err := os.WriteFile(tmpPath, chunk, 0o644); err != nil {
			return res, fmt.Errorf("failed to write chunk file: %w", err)
		}

		stem, err := accountName(chunk)
		if errors.Is(err, ErrNoAccountName) {
			logger.Warn("record_missing_account_name",
				slog.String("file", tmpPath))
			res.Unmatched = append(res.Unmatched, tmpPath)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("record %s: %w", tmpPath, err)
		}

		final := filepath.Join(outDir, stem+".ldif")
		if err := os.Rename(tmpPath, final); err != nil {
			return res, fmt.Errorf("failed to rename chunk file: %w", err)
		}
		if err := stripFileBlankLines(final); err != nil {
			return res, err
		}

		logger.Debug("record_renamed",
			slog.String("account", stem),
			slog.String("file", final))
		res.Written = append(res.Written, final)
	}

	return res, nil
}

// unfold joins LDIF continuation lines (a following line with one leading
// space) back onto their attribute line so extraction sees whole values.
func unfold(doc []byte) []byte {
	lines := strings.Split(string(doc), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, " ") && len(out) > 0 {
			out[len(out)-1] += line[1:]
			continue
		}
		out = append(out, line)
	}
	return []byte(strings.Join(out, "\n"))
}

// cut slices the document at every record-boundary line. Content before the
// first boundary is not a record and is dropped; a document with no boundary
// yields zero chunks.
func cut(doc []byte) [][]byte {
	var chunks [][]byte
	var cur []string
	for _, line := range strings.Split(string(doc), "\n") {
		if strings.HasPrefix(line, recordBoundaryPrefix) {
			if cur != nil {
				chunks = append(chunks, []byte(strings.Join(cur, "\n")))
			}
			cur = []string{line}
			continue
		}
		if cur != nil {
			cur = append(cur, line)
		}
	}
	if cur != nil {
		chunks = append(chunks, []byte(strings.Join(cur, "\n")))
	}
	return chunks
}

// accountName extracts the filename stem from a record chunk. A plain
// "sAMAccountName: v" line anywhere in the chunk takes precedence over the
// encoded "sAMAccountName:: b64" form; only the decoded value gets '$'
// escaping and NFC normalization, the plain value is used literally.
func accountName(chunk []byte) (string, error) {
	plainPrefix := AccountNameAttribute + ": "
	encodedPrefix := AccountNameAttribute + ":: "

	var encoded string
	for _, line := range strings.Split(string(chunk), "\n") {
		if v, ok := strings.CutPrefix(line, plainPrefix); ok {
			return strings.TrimSpace(v), nil
		}
		if v, ok := strings.CutPrefix(line, encodedPrefix); ok && encoded == "" {
			encoded = strings.TrimSpace(v)
		}
	}

	if encoded == "" {
		return "", ErrNoAccountName
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s value %q: %w", AccountNameAttribute, encoded, err)
	}

	stem := norm.NFC.String(string(decoded))
	return strings.ReplaceAll(stem, "$", `\$`), nil
}

// StripBlankLines removes every blank line. The result always carries a
// single trailing newline, which makes the operation idempotent.
func StripBlankLines(b []byte) []byte {
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	if len(out) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(out, "\n") + "\n")
}

func stripFileBlankLines(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	stripped := StripBlankLines(b)
	if bytes.Equal(stripped, b) {
		return nil
	}
	if err := os.WriteFile(path, stripped, 0o644); err != nil {
		return fmt.Errorf("failed to rewrite %s: %w", path, err)
	}
	return nil
}

// Package export acquires a single directory export document, either from a
// pre-existing LDIF file or from a live paged query, and cleans it up for the
// record splitter.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-ldap/ldif"

	"github.com/kressin/ldapexport/internal/directory"
)

// IntermediateFilename is the fixed name the raw live-query export is
// persisted under, so a splitter failure does not force a second query.
// It is intentionally not cleaned up after a successful run.
const IntermediateFilename = "all_users.ldif"

// DefaultFilter selects user objects, excluding contacts and computers.
const DefaultFilter = "(&(objectCategory=person)(objectClass=user))"

// ErrEmptyExport is returned when the acquired document contains no data;
// splitting must never proceed on a missing or empty export.
var ErrEmptyExport = errors.New("export: document is empty")

// DefaultAttributes returns the attribute list requested when no extra
// attributes are configured. The DN itself is always part of each entry.
func DefaultAttributes() []string {
	return []string{"cn", "sAMAccountName", "mail", "memberOf"}
}

// Query bundles the search parameters for a live export.
type Query struct {
	Filter     string
	Attributes []string
}

// FromFile reads a pre-supplied export document verbatim. No structural
// validation happens here; malformed content surfaces during splitting.
func FromFile(path string) ([]byte, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read export file: %w", err)
	}
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyExport, path)
	}
	return doc, nil
}

// Fetch runs the paged search and renders the result as one LDIF document,
// cleaned of control lines and collapsed blank-line runs.
func Fetch(ctx context.Context, client directory.Client, q Query, logger *slog.Logger) ([]byte, error) {
	start := time.Now()

	if logger == nil {
		logger = slog.Default()
	}

	filter := q.Filter
	if filter == "" {
		filter = DefaultFilter
	}
	attrs := q.Attributes
	if len(attrs) == 0 {
		attrs = DefaultAttributes()
	}

	entries, err := client.SearchPaged(ctx, filter, attrs)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: query %q returned no entries", ErrEmptyExport, filter)
	}

	data, err := ldif.ToLDIF(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to build LDIF from entries: %w", err)
	}
	text, err := ldif.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal LDIF: %w", err)
	}

	doc := Clean([]byte(text))

	logger.Debug("export_fetched",
		slog.Int("entries", len(entries)),
		slog.String("filter", filter),
		slog.Duration("duration", time.Since(start)))

	return doc, nil
}

// Clean post-filters a raw export document: pagination metadata and other
// comment lines are dropped, server referral notices are dropped, and any
// blank line immediately following another blank line is collapsed so the
// splitter never sees a spurious empty record.
func Clean(doc []byte) []byte {
	lines := strings.Split(string(doc), "\n")
	out := make([]string, 0, len(lines))
	prevBlank := false

	for _, line := range lines {
		if isControlLine(line) {
			continue
		}
		blank := strings.TrimSpace(line) == ""
		if blank && prevBlank {
			continue
		}
		prevBlank = blank
		out = append(out, line)
	}

	return []byte(strings.Join(out, "\n"))
}

// isControlLine reports whether a line is pagination metadata (comment
// lines such as "# pagedresults: ..." or "# numEntries: ...") or a server
// referral notice rather than entry content.
func isControlLine(line string) bool {
	return strings.HasPrefix(line, "#") || strings.HasPrefix(line, "ref: ldap://")
}

// Persist writes the acquired document under the fixed intermediate filename
// in dir and returns the full path.
func Persist(dir string, doc []byte) (string, error) {
	path := filepath.Join(dir, IntermediateFilename)
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return "", fmt.Errorf("failed to persist raw export: %w", err)
	}
	return path, nil
}

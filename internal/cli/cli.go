// Package cli wires the command line to the export pipeline.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kressin/ldapexport/internal/directory"
	"github.com/kressin/ldapexport/internal/export"
	"github.com/kressin/ldapexport/internal/split"
)

// ErrUnmatchedRecords is returned when at least one record had no usable
// account-name attribute and was left under its temporary chunk name.
var ErrUnmatchedRecords = errors.New("records without account name attribute")

// Options holds the command-line configuration. Kong derives the flags and
// usage text from the struct tags.
type Options struct {
	Source string `help:"Path to an existing LDIF export. When set, no live query is made." type:"existingfile" optional:""`

	Server       string   `help:"Directory server URL, e.g. 'ldaps://dc1.example.com:636'."`
	BindDN       string   `help:"Bind DN for the directory connection." name:"bind-dn"`
	BindPassword string   `help:"Bind password." env:"LDAP_BIND_PASSWORD" name:"bind-password"`
	BaseDN       string   `help:"Search base DN." name:"base-dn"`
	Filter       string   `help:"LDAP search filter." default:"(&(objectCategory=person)(objectClass=user))"`
	Attributes   []string `help:"Extra attributes to request in addition to the defaults." name:"attribute" short:"a"`
	PageSize     uint32   `help:"Entries per page for paged retrieval." default:"1000" name:"page-size"`

	OutDir  string `help:"Directory the per-account files are written to." default:"." name:"out-dir"`
	Verbose bool   `help:"Enable debug logging." short:"v"`
}

// Run parses the command line and executes the export pipeline. Kong prints
// usage and exits itself on an unrecognized option.
func Run() error {
	opts := &Options{}
	kong.Parse(opts,
		kong.Name("ldapexport"),
		kong.Description("Fetch user records from a directory server in one paged query and split them into one LDIF file per account."),
	)
	return run(context.Background(), opts)
}

func run(ctx context.Context, opts *Options) error {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	doc, err := acquire(ctx, opts, logger)
	if err != nil {
		return err
	}

	res, err := split.Split(doc, opts.OutDir, logger)
	if err != nil {
		return err
	}

	logger.Info("export_split_completed",
		slog.Int("records_written", len(res.Written)),
		slog.Int("records_unmatched", len(res.Unmatched)),
		slog.String("out_dir", opts.OutDir))

	if len(res.Unmatched) > 0 {
		return fmt.Errorf("%w: %d left under temporary names in %s",
			ErrUnmatchedRecords, len(res.Unmatched), opts.OutDir)
	}
	return nil
}

// acquire produces the export document, either by reading the supplied file
// or by querying the directory server. A live export is persisted under a
// fixed intermediate filename before splitting, so a splitter failure does
// not force a second query.
func acquire(ctx context.Context, opts *Options, logger *slog.Logger) ([]byte, error) {
	if opts.Source != "" {
		logger.Debug("export_source_file", slog.String("path", opts.Source))
		return export.FromFile(opts.Source)
	}

	client, err := directory.Open(&directory.Config{
		ServerURL:    opts.Server,
		BindDN:       opts.BindDN,
		BindPassword: opts.BindPassword,
		BaseDN:       opts.BaseDN,
		PageSize:     opts.PageSize,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	defer client.Close()

	doc, err := export.Fetch(ctx, client, export.Query{
		Filter:     opts.Filter,
		Attributes: append(export.DefaultAttributes(), opts.Attributes...),
	}, logger)
	if err != nil {
		return nil, err
	}

	path, err := export.Persist(opts.OutDir, doc)
	if err != nil {
		return nil, err
	}
	logger.Debug("export_persisted", slog.String("path", path))

	return doc, nil
}

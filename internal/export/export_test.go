package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a directory.Client double recording what the acquisition
// stage asked for.
type fakeClient struct {
	entries   []*ldap.Entry
	err       error
	gotFilter string
	gotAttrs  []string
}

func (f *fakeClient) SearchPaged(_ context.Context, filter string, attributes []string) ([]*ldap.Entry, error) {
	f.gotFilter = filter
	f.gotAttrs = attributes
	return f.entries, f.err
}

func (f *fakeClient) Close() error { return nil }

func fakeUserEntry(faker *gofakeit.Faker) (*ldap.Entry, string) {
	sam := faker.Username()
	dn := fmt.Sprintf("CN=%s,OU=Users,DC=example,DC=com", sam)
	return ldap.NewEntry(dn, map[string][]string{
		"cn":             {faker.Name()},
		"sAMAccountName": {sam},
		"mail":           {faker.Email()},
	}), sam
}

func TestFetch_RendersEntriesAsLDIF(t *testing.T) {
	faker := gofakeit.New(11)

	first, firstSAM := fakeUserEntry(faker)
	second, secondSAM := fakeUserEntry(faker)
	client := &fakeClient{entries: []*ldap.Entry{first, second}}

	doc, err := Fetch(context.Background(), client, Query{}, nil)
	require.NoError(t, err)

	assert.Contains(t, string(doc), "dn: "+first.DN)
	assert.Contains(t, string(doc), "dn: "+second.DN)
	assert.Contains(t, string(doc), "sAMAccountName: "+firstSAM)
	assert.Contains(t, string(doc), "sAMAccountName: "+secondSAM)
	assert.NotContains(t, string(doc), "\n\n\n", "blank-line runs must be collapsed")
}

func TestFetch_AppliesQueryDefaults(t *testing.T) {
	faker := gofakeit.New(11)
	entry, _ := fakeUserEntry(faker)
	client := &fakeClient{entries: []*ldap.Entry{entry}}

	_, err := Fetch(context.Background(), client, Query{}, nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultFilter, client.gotFilter)
	assert.Equal(t, DefaultAttributes(), client.gotAttrs)
}

func TestFetch_EmptyResultFails(t *testing.T) {
	client := &fakeClient{}

	_, err := Fetch(context.Background(), client, Query{}, nil)
	require.ErrorIs(t, err, ErrEmptyExport)
}

func TestFetch_SearchErrorPropagates(t *testing.T) {
	searchErr := errors.New("size limit exceeded")
	client := &fakeClient{err: searchErr}

	_, err := Fetch(context.Background(), client, Query{}, nil)
	require.ErrorIs(t, err, searchErr)
}

func TestClean(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name: "drops pagination metadata and referrals",
			input: "# extended LDIF\n" +
				"# pagedresults: cookie=AAAA\n" +
				"dn: CN=Jane,DC=example,DC=com\n" +
				"sAMAccountName: jane\n" +
				"ref: ldap://ForestDnsZones.example.com/DC=ForestDnsZones,DC=example,DC=com\n" +
				"# numEntries: 1\n",
			want: "dn: CN=Jane,DC=example,DC=com\n" +
				"sAMAccountName: jane\n",
		},
		{
			name:  "collapses blank-line runs",
			input: "dn: CN=A\n\n\n\ndn: CN=B\n",
			want:  "dn: CN=A\n\ndn: CN=B\n",
		},
		{
			name:  "single blank separators untouched",
			input: "dn: CN=A\n\ndn: CN=B\n",
			want:  "dn: CN=A\n\ndn: CN=B\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(Clean([]byte(tt.input))))
		})
	}
}

func TestFromFile(t *testing.T) {
	t.Run("reads document verbatim", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "export.ldif")
		content := "dn: CN=Jane,DC=example,DC=com\nsAMAccountName: jane\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		doc, err := FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, content, string(doc))
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := FromFile(filepath.Join(t.TempDir(), "nope.ldif"))
		require.Error(t, err)
	})

	t.Run("empty file fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.ldif")
		require.NoError(t, os.WriteFile(path, []byte("  \n\n"), 0o644))

		_, err := FromFile(path)
		require.ErrorIs(t, err, ErrEmptyExport)
	})
}

func TestPersist(t *testing.T) {
	dir := t.TempDir()
	doc := []byte("dn: CN=Jane,DC=example,DC=com\n")

	path, err := Persist(dir, doc)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, IntermediateFilename), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, doc, got)
}

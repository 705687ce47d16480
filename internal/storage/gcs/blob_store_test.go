package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "raw"})
	require.ErrorContains(t, err, "client")

	_, err = New(&storage.Client{}, Config{Bucket: "  "})
	require.ErrorContains(t, err, "bucket")

	store, err := New(&storage.Client{}, Config{Bucket: "raw", Prefix: "/pages/"})
	require.NoError(t, err)
	assert.Equal(t, "pages", store.prefix)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prefix  string
		input   string
		want    string
		wantErr bool
	}{
		{name: "no prefix", input: "raw/src-1/job-1/abc.html", want: "raw/src-1/job-1/abc.html"},
		{name: "prefix joined", prefix: "archive", input: "/raw/src-1/abc.html", want: "archive/raw/src-1/abc.html"},
		{name: "dot segments cleaned", input: "raw/./src-1//abc.html", want: "raw/src-1/abc.html"},
		{name: "empty rejected", input: " / ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := &BlobStore{bucket: "b", prefix: tt.prefix}
			got, err := store.objectName(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

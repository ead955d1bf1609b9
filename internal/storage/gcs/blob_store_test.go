package gcs

import (
	"context"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "client")

	_, err = New(&storage.Client{}, Config{})
	require.ErrorContains(t, err, "bucket")

	store, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	require.NotNil(t, store)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	withPrefix, err := New(&storage.Client{}, Config{Bucket: "b", Prefix: "/scraped_content/Delhi_Metr/"})
	require.NoError(t, err)
	require.Equal(t, "scraped_content/Delhi_Metr/html/example.co.html", withPrefix.ObjectName("html/example.co.html"))

	bare, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	require.Equal(t, "json/example.co.json", bare.ObjectName("/json/example.co.json"))
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "text/html", strings.NewReader("x"))
	require.ErrorContains(t, err, "path is required")
}

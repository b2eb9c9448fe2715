package mediaserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/repository"
)

func jellyfinServer(t *testing.T, refreshes *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Emby-Token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/Library/MediaFolders":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"Items":[{"Id":"lib1","Name":"Shows"},{"Id":"lib2","Name":"Music"}]}`))
		case "/Library/Refresh":
			*refreshes++
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestJellyfinValidateAndUpdate(t *testing.T) {
	refreshes := 0
	srv := jellyfinServer(t, &refreshes)
	defer srv.Close()

	reg := NewRegistry()
	adapter, err := reg.Adapter(&repository.MediaServerRecord{
		ServerType: TypeJellyfin, URL: srv.URL, Token: "tok", Libraries: "lib1, lib2", VerifyHTTPS: true,
	})
	require.NoError(t, err)

	require.NoError(t, adapter.Validate(context.Background()))
	require.NoError(t, adapter.Update(context.Background()))
	assert.Equal(t, 1, refreshes)
}

func TestJellyfinValidateRejectsUnknownLibrary(t *testing.T) {
	refreshes := 0
	srv := jellyfinServer(t, &refreshes)
	defer srv.Close()

	reg := NewRegistry()
	adapter, err := reg.Adapter(&repository.MediaServerRecord{
		ServerType: TypeJellyfin, URL: srv.URL, Token: "tok", Libraries: "lib1,nope",
	})
	require.NoError(t, err)

	err = adapter.Validate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestJellyfinBadToken(t *testing.T) {
	refreshes := 0
	srv := jellyfinServer(t, &refreshes)
	defer srv.Close()

	reg := NewRegistry()
	adapter, err := reg.Adapter(&repository.MediaServerRecord{
		ServerType: TypeJellyfin, URL: srv.URL, Token: "wrong", Libraries: "lib1",
	})
	require.NoError(t, err)
	assert.Error(t, adapter.Validate(context.Background()))
}

func plexServer(t *testing.T, refreshed *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("X-Plex-Token") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/library/sections":
			w.Header().Set("Content-Type", "application/xml")
			w.Write([]byte(`<MediaContainer size="2">
				<Directory key="1" title="Shows"/>
				<Directory key="2" title="Music"/>
			</MediaContainer>`))
		case r.URL.Path == "/library/sections/1/refresh" || r.URL.Path == "/library/sections/2/refresh":
			*refreshed = append(*refreshed, r.URL.Path)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestPlexValidateAndUpdate(t *testing.T) {
	var refreshed []string
	srv := plexServer(t, &refreshed)
	defer srv.Close()

	reg := NewRegistry()
	adapter, err := reg.Adapter(&repository.MediaServerRecord{
		ServerType: TypePlex, URL: srv.URL, Token: "tok", Libraries: "1,2",
	})
	require.NoError(t, err)

	require.NoError(t, adapter.Validate(context.Background()))
	require.NoError(t, adapter.Update(context.Background()))
	assert.Len(t, refreshed, 2)
}

func TestPlexValidateRejectsUnknownSection(t *testing.T) {
	var refreshed []string
	srv := plexServer(t, &refreshed)
	defer srv.Close()

	reg := NewRegistry()
	adapter, err := reg.Adapter(&repository.MediaServerRecord{
		ServerType: TypePlex, URL: srv.URL, Token: "tok", Libraries: "9",
	})
	require.NoError(t, err)
	assert.Error(t, adapter.Validate(context.Background()))
}

func TestUnknownServerType(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Adapter(&repository.MediaServerRecord{ServerType: "kodi"})
	assert.Error(t, err)
}

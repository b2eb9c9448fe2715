// Package mediaserver notifies downstream media servers that the library
// changed. Each adapter encapsulates one server protocol: auth placement,
// refresh endpoint, success codes, and the shape of the library listing.
package mediaserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fetcharr/fetcharr/internal/repository"
)

const (
	TypeJellyfin = "jellyfin"
	TypePlex     = "plex"
)

// Adapter is one configured media server connection.
type Adapter interface {
	// Validate checks connectivity, the token, and that every configured
	// library id exists on the server.
	Validate(ctx context.Context) error
	// Update asks the server to rescan the configured libraries.
	Update(ctx context.Context) error
}

// Registry builds adapters from stored server records.
type Registry struct{}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Adapter(rec *repository.MediaServerRecord) (Adapter, error) {
	client := httpClient(rec.VerifyHTTPS)
	base := strings.TrimRight(rec.URL, "/")
	libraries := splitLibraries(rec.Libraries)

	switch rec.ServerType {
	case TypeJellyfin:
		return &jellyfinAdapter{base: base, token: rec.Token, libraries: libraries, client: client}, nil
	case TypePlex:
		return &plexAdapter{base: base, token: rec.Token, libraries: libraries, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown media server type %q", rec.ServerType)
	}
}

func httpClient(verifyHTTPS bool) *http.Client {
	client := &http.Client{Timeout: 30 * time.Second}
	if !verifyHTTPS {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return client
}

func splitLibraries(libraries string) []string {
	var out []string
	for _, part := range strings.Split(libraries, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ──────────────────── Jellyfin ────────────────────

// jellyfinAdapter authenticates with a header token. Refresh succeeds with
// 204; the library listing is JSON.
type jellyfinAdapter struct {
	base      string
	token     string
	libraries []string
	client    *http.Client
}

type jellyfinFolders struct {
	Items []struct {
		Id   string `json:"Id"`
		Name string `json:"Name"`
	} `json:"Items"`
}

func (a *jellyfinAdapter) get(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Emby-Token", a.token)
	return a.client.Do(req)
}

func (a *jellyfinAdapter) Validate(ctx context.Context) error {
	resp, err := a.get(ctx, http.MethodGet, "/Library/MediaFolders")
	if err != nil {
		return fmt.Errorf("list libraries: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list libraries: status %d", resp.StatusCode)
	}

	var folders jellyfinFolders
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&folders); err != nil {
		return fmt.Errorf("parse library listing: %w", err)
	}
	known := make(map[string]bool, len(folders.Items))
	for _, item := range folders.Items {
		known[item.Id] = true
	}
	for _, lib := range a.libraries {
		if !known[lib] {
			return fmt.Errorf("library %q does not exist on the server", lib)
		}
	}
	return nil
}

func (a *jellyfinAdapter) Update(ctx context.Context) error {
	resp, err := a.get(ctx, http.MethodPost, "/Library/Refresh")
	if err != nil {
		return fmt.Errorf("trigger refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("trigger refresh: status %d", resp.StatusCode)
	}
	return nil
}

// ──────────────────── Plex ────────────────────

// plexAdapter authenticates with a query-string token. Refresh succeeds
// with 200; the library listing is XML.
type plexAdapter struct {
	base      string
	token     string
	libraries []string
	client    *http.Client
}

type plexContainer struct {
	XMLName     xml.Name `xml:"MediaContainer"`
	Directories []struct {
		Key   string `xml:"key,attr"`
		Title string `xml:"title,attr"`
	} `xml:"Directory"`
}

func (a *plexAdapter) get(ctx context.Context, path string) (*http.Response, error) {
	u := a.base + path
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	u += sep + "X-Plex-Token=" + url.QueryEscape(a.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return a.client.Do(req)
}

func (a *plexAdapter) Validate(ctx context.Context) error {
	resp, err := a.get(ctx, "/library/sections")
	if err != nil {
		return fmt.Errorf("list libraries: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list libraries: status %d", resp.StatusCode)
	}

	var container plexContainer
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&container); err != nil {
		return fmt.Errorf("parse library listing: %w", err)
	}
	known := make(map[string]bool, len(container.Directories))
	for _, dir := range container.Directories {
		known[dir.Key] = true
	}
	for _, lib := range a.libraries {
		if !known[lib] {
			return fmt.Errorf("library section %q does not exist on the server", lib)
		}
	}
	return nil
}

func (a *plexAdapter) Update(ctx context.Context) error {
	for _, lib := range a.libraries {
		resp, err := a.get(ctx, "/library/sections/"+url.PathEscape(lib)+"/refresh")
		if err != nil {
			return fmt.Errorf("refresh section %s: %w", lib, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("refresh section %s: status %d", lib, resp.StatusCode)
		}
	}
	return nil
}

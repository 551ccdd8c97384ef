// Package inject derives the ordered list of CSS/JS payloads to inject into
// a navigation target from the registry's enabled extensions and their match
// patterns.
package inject

import (
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/nimbusbrowser/extension-runtime/internal/domain"
	"github.com/nimbusbrowser/extension-runtime/internal/fsutil"
	"github.com/nimbusbrowser/extension-runtime/internal/matchpattern"
)

// Catalog is the slice of the registry the injector reads.
type Catalog interface {
	ListEnabled() []*domain.Extension
}

// Injector resolves navigation URLs to injection payloads. Results are
// cached per URL with a TTL; any registry mutation must invalidate the cache
// via InvalidateCache.
type Injector struct {
	catalog Catalog
	cache   *gocache.Cache
}

// New creates an Injector. ttl <= 0 disables expiry-based eviction.
func New(catalog Catalog, ttl time.Duration) *Injector {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Injector{
		catalog: catalog,
		cache:   gocache.New(ttl, 10*time.Minute),
	}
}

// ScriptsFor returns the payloads to inject for a navigation target, in
// order: extensions in catalog order, each extension's content scripts in
// declaration order, CSS before JS within a content script. Assets that
// cannot be read are skipped; a missing file never aborts injection of the
// remaining assets.
func (i *Injector) ScriptsFor(url string) []domain.InjectionPayload {
	if cached, found := i.cache.Get(url); found {
		// Callers may reorder or rewrite what they get back; the cached
		// slice must not see that.
		return copyPayloads(cached.([]domain.InjectionPayload))
	}

	var payloads []domain.InjectionPayload

	for _, ext := range i.catalog.ListEnabled() {
		for _, cs := range ext.ContentScripts {
			if !matchpattern.Matches(url, cs.Matches) {
				continue
			}

			for _, cssPath := range cs.CSS {
				source, err := fsutil.ReadFileInSandbox(ext.Directory, cssPath)
				if err != nil {
					log.Debug().Err(err).Str("id", ext.ID).Str("path", cssPath).Msg("Skipping unreadable CSS asset")
					continue
				}
				payloads = append(payloads, domain.InjectionPayload{
					ExtensionID: ext.ID,
					Kind:        domain.PayloadCSS,
					Path:        cssPath,
					Source:      wrapCSS(string(source)),
					RunAt:       cs.RunAt,
				})
			}

			for _, jsPath := range cs.JS {
				source, err := fsutil.ReadFileInSandbox(ext.Directory, jsPath)
				if err != nil {
					log.Debug().Err(err).Str("id", ext.ID).Str("path", jsPath).Msg("Skipping unreadable JS asset")
					continue
				}
				payloads = append(payloads, domain.InjectionPayload{
					ExtensionID: ext.ID,
					Kind:        domain.PayloadJS,
					Path:        jsPath,
					Source:      string(source),
					RunAt:       cs.RunAt,
				})
			}
		}
	}

	// Only cache positive results; misses would pollute the cache.
	if len(payloads) > 0 {
		i.cache.Set(url, copyPayloads(payloads), gocache.DefaultExpiration)
	}

	return payloads
}

func copyPayloads(payloads []domain.InjectionPayload) []domain.InjectionPayload {
	out := make([]domain.InjectionPayload, len(payloads))
	copy(out, payloads)
	return out
}

// InvalidateCache clears cached injection decisions. Wired to the
// registry's change notification.
func (i *Injector) InvalidateCache() {
	i.cache.Flush()
}

// cssEscaper escapes a stylesheet for embedding inside the generated
// script's double-quoted string literal. Backslash must go first.
var cssEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// wrapCSS generates the script that appends the stylesheet as an isolated
// <style> element.
func wrapCSS(css string) string {
	return fmt.Sprintf(
		`(function(){var s=document.createElement('style');s.textContent="%s";(document.head||document.documentElement).appendChild(s);})();`,
		cssEscaper.Replace(css),
	)
}

// Stats returns injector statistics
func (i *Injector) Stats() map[string]any {
	return map[string]any{
		"cached_urls": i.cache.ItemCount(),
	}
}

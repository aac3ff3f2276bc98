// Package finder searches entries across unlocked vaults by term and by URL.
// It only reads vault snapshots.
package finder

import (
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/and161185/vaultbridge/internal/model"
	"github.com/and161185/vaultbridge/internal/vault"
)

// Target is one unlocked vault to search, in registry order.
type Target struct {
	SourceID model.SourceID
	Vault    *vault.Vault
}

// Result is a matched entry. The entry is a copy.
type Result struct {
	Entry     vault.Entry    `json:"entry"`
	SourceID  model.SourceID `json:"sourceID"`
	ArchiveID string         `json:"archiveID"`
}

type ranked struct {
	Result
	score  int
	source int
	title  string
}

const (
	scoreTitlePrefix = iota
	scoreTitle
	scoreUsername
	scoreURL
	noMatch
)

func score(e vault.Entry, term string) int {
	title := strings.ToLower(e.Title())
	switch {
	case strings.HasPrefix(title, term):
		return scoreTitlePrefix
	case strings.Contains(title, term):
		return scoreTitle
	case strings.Contains(strings.ToLower(e.Username()), term):
		return scoreUsername
	case strings.Contains(strings.ToLower(e.URL()), term):
		return scoreURL
	}
	return noMatch
}

// Search returns non-trashed entries whose title, username or URL contains term,
// case-insensitively. An empty term matches nothing.
//
// Results are ordered by match quality (title prefix, title, username, URL),
// then source order, title and entry id.
func Search(targets []Target, term string) []Result {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil
	}
	var hits []ranked
	for i, t := range targets {
		archiveID := t.Vault.ID()
		for _, e := range t.Vault.Entries() {
			if e.InTrash {
				continue
			}
			s := score(e, term)
			if s == noMatch {
				continue
			}
			hits = append(hits, ranked{
				Result: Result{Entry: e, SourceID: t.SourceID, ArchiveID: archiveID},
				score:  s,
				source: i,
				title:  strings.ToLower(e.Title()),
			})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		x, y := hits[a], hits[b]
		if x.score != y.score {
			return x.score < y.score
		}
		if x.source != y.source {
			return x.source < y.source
		}
		if x.title != y.title {
			return x.title < y.title
		}
		return x.Entry.ID < y.Entry.ID
	})
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = h.Result
	}
	return out
}

// MatchURL returns non-trashed entries whose URL has the same registrable
// domain as rawURL, in source then vault order.
func MatchURL(targets []Target, rawURL string) []Result {
	want := Domain(rawURL)
	if want == "" {
		return nil
	}
	var out []Result
	for _, t := range targets {
		archiveID := t.Vault.ID()
		for _, e := range t.Vault.Entries() {
			if e.InTrash || e.URL() == "" {
				continue
			}
			if Domain(e.URL()) == want {
				out = append(out, Result{Entry: e, SourceID: t.SourceID, ArchiveID: archiveID})
			}
		}
	}
	return out
}

// Domain extracts the registrable domain (eTLD+1) of a URL or bare host.
// IP addresses and single-label hosts are returned as is; unparsable input
// yields "".
func Domain(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return ""
	}
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// host is itself a public suffix
		return host
	}
	return d
}

// LoginURL returns the entry URL when it is http or https, otherwise the value
// prefixed with https://.
func LoginURL(e vault.Entry) string {
	raw := strings.TrimSpace(e.URL())
	if raw == "" {
		return ""
	}
	if hasPrefixFold(raw, "http://") || hasPrefixFold(raw, "https://") {
		return raw
	}
	return "https://" + raw
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

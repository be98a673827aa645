package github

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"

	"githarvest/internal/etl/domain"
	perr "githarvest/internal/platform/errors"
)

// Fetcher adapts the REST client to the metadata fetch port
type Fetcher struct {
	client *Client
}

// NewFetcher wraps an existing client
func NewFetcher(c *Client) *Fetcher { return &Fetcher{client: c} }

var _ domain.MetadataFetcher = (*Fetcher)(nil)

// Fetch resolves one entity reference to a flat metadata map
func (f *Fetcher) Fetch(ctx context.Context, ref domain.EntityRef) (map[string]string, error) {
	switch ref.Kind {
	case domain.KindRepo:
		repo, err := f.client.RepoByID(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return repoMeta(repo), nil
	case domain.KindActor:
		user, err := f.client.UserByID(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return userMeta(user), nil
	}
	return nil, perr.InvalidArgf("unknown entity kind %q", ref.Kind)
}

// repoMeta flattens the repository document. Free-text fields arrive in
// mixed Unicode forms, so they are NFC normalized before they reach the
// cache or any stored record
func repoMeta(r Repo) map[string]string {
	m := map[string]string{
		"full_name":      nfc(r.FullName),
		"name":           nfc(r.Name),
		"owner_login":    nfc(r.Owner.Login),
		"default_branch": r.DefaultBranch,
		"language":       nfc(r.Language),
		"forks_count":    strconv.Itoa(r.ForksCount),
		"stars_count":    strconv.Itoa(r.Stargazers),
		"open_issues":    strconv.Itoa(r.OpenIssues),
		"fork":           strconv.FormatBool(r.Fork),
		"private":        strconv.FormatBool(r.Private),
		"html_url":       r.HTMLURL,
	}
	if r.License != nil {
		m["license"] = r.License.Key
	}
	if !r.PushedAt.IsZero() {
		m["pushed_at"] = r.PushedAt.UTC().Format(time.RFC3339)
	}
	return m
}

func userMeta(u User) map[string]string {
	m := map[string]string{
		"login":        nfc(u.Login),
		"type":         u.Type,
		"name":         nfc(u.Name),
		"company":      nfc(u.Company),
		"location":     nfc(u.Location),
		"followers":    strconv.Itoa(u.Followers),
		"public_repos": strconv.Itoa(u.PublicRepos),
		"html_url":     u.HTMLURL,
	}
	if !u.CreatedAt.IsZero() {
		m["created_at"] = u.CreatedAt.UTC().Format(time.RFC3339)
	}
	return m
}

func nfc(s string) string {
	if norm.NFC.IsNormalString(s) {
		return s
	}
	return norm.NFC.String(s)
}

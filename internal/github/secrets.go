package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// PublicKey is the repository key secrets are sealed against. GitHub
// rotates it, so callers fetch it before every write.
type PublicKey struct {
	KeyID string `json:"key_id"`
	Key   string `json:"key"` // base64
}

type secretList struct {
	TotalCount int `json:"total_count"`
	Secrets    []struct {
		Name string `json:"name"`
	} `json:"secrets"`
}

// SecretNames returns the names of the repository's Actions secrets.
// Values are write-only and never returned.
func (c *Client) SecretNames(ctx context.Context) ([]string, error) {
	const perPage = 100
	names := []string{}
	for page := 1; ; page++ {
		q := url.Values{
			"per_page": {strconv.Itoa(perPage)},
			"page":     {strconv.Itoa(page)},
		}
		var l secretList
		if err := c.do(ctx, http.MethodGet, c.repoPath("actions", "secrets"), q, nil, &l); err != nil {
			return nil, fmt.Errorf("list secrets: %w", err)
		}
		for _, s := range l.Secrets {
			names = append(names, s.Name)
		}
		if len(l.Secrets) < perPage || len(names) >= l.TotalCount {
			return names, nil
		}
	}
}

// PublicKey fetches the current secrets public key.
func (c *Client) PublicKey(ctx context.Context) (*PublicKey, error) {
	pk := new(PublicKey)
	if err := c.do(ctx, http.MethodGet, c.repoPath("actions", "secrets", "public-key"), nil, nil, pk); err != nil {
		return nil, fmt.Errorf("get public key: %w", err)
	}
	return pk, nil
}

// PutSecret creates or overwrites a secret with an already sealed,
// base64-encoded value.
func (c *Client) PutSecret(ctx context.Context, name, encryptedValue, keyID string) error {
	body := map[string]string{
		"encrypted_value": encryptedValue,
		"key_id":          keyID,
	}
	if err := c.do(ctx, http.MethodPut, c.repoPath("actions", "secrets", url.PathEscape(name)), nil, body, nil); err != nil {
		return fmt.Errorf("set secret %s: %w", name, err)
	}
	return nil
}

// Package vault writes repository secrets. Values are sealed against the
// repository public key before they leave the process, and there is no way
// to read one back.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/mail"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/crypto/nacl/box"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
	"github.com/bryan-buckman/digestdesk/internal/github"
)

// Secret names read by the digest workflows.
const (
	AnthropicAPIKey = "ANTHROPIC_API_KEY"
	DeepSeekAPIKey  = "DEEPSEEK_API_KEY"
	SMTPUsername    = "SMTP_USERNAME"
	SMTPPassword    = "SMTP_PASSWORD"
	EmailRecipients = "EMAIL_RECIPIENTS"
	AdminEmail      = "ADMIN_EMAIL"
	// WebhookKeys is a JSON map of channel id to key. It predates slots and
	// is only reported, never written.
	WebhookKeys = "WEBHOOK_KEYS"
)

// Definition describes a base credential.
type Definition struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Sensitive   bool   `json:"sensitive"`
}

// Definitions are the base credentials an operator manages.
var Definitions = []Definition{
	{AnthropicAPIKey, "Claude API 密钥", "用于调用 Claude API 生成新闻摘要", true},
	{DeepSeekAPIKey, "DeepSeek API 密钥", "备用摘要模型的 API 密钥", true},
	{SMTPUsername, "发件邮箱地址", "SMTP 发件人邮箱", false},
	{SMTPPassword, "邮箱授权码", "SMTP 邮箱授权码或应用密码", true},
	{AdminEmail, "管理员通知邮箱", "接收系统通知的管理员邮箱", false},
	{EmailRecipients, "收件人列表", "多个邮箱用英文逗号分隔", false},
}

// SlotSecret returns the secret name of webhook key slot n.
func SlotSecret(n int) string { return "WEBHOOK_KEY_" + strconv.Itoa(n) }

// API is the subset of the GitHub client used here.
type API interface {
	SecretNames(ctx context.Context) ([]string, error)
	PublicKey(ctx context.Context) (*github.PublicKey, error)
	PutSecret(ctx context.Context, name, encryptedValue, keyID string) error
}

// Vault sets secrets of one repository.
type Vault struct {
	api    API
	logger *slog.Logger
}

// New returns a Vault.
func New(api API, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{api: api, logger: logger}
}

// ListNames returns the names of the secrets that exist.
func (v *Vault) ListNames(ctx context.Context) ([]string, error) {
	names, err := v.api.SecretNames(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

// Seal encrypts plaintext for the holder of the base64 public key with an
// anonymous sealed box and returns the base64 ciphertext.
func Seal(plaintext []byte, publicKey string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("public key is %d bytes, want 32", len(raw))
	}
	var pk [32]byte
	copy(pk[:], raw)
	sealed, err := box.SealAnonymous(nil, plaintext, &pk, rand.Reader)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// SetSecret creates or overwrites the secret name. The value is trimmed and
// must not be empty. The public key is fetched for every write because
// GitHub may rotate it.
func (v *Vault) SetSecret(ctx context.Context, name, plaintext string) error {
	name = strings.TrimSpace(name)
	plaintext = strings.TrimSpace(plaintext)
	if !validName(name) {
		return apperr.Invalid("name", "invalid secret name "+name)
	}
	if plaintext == "" {
		return apperr.Invalid("value", "must not be empty")
	}
	if name == WebhookKeys {
		return apperr.Invalid("name", WebhookKeys+" is read-only; set a slot key instead")
	}

	pk, err := v.api.PublicKey(ctx)
	if err != nil {
		return err
	}
	sealed, err := Seal([]byte(plaintext), pk.Key)
	if err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}
	if err := v.api.PutSecret(ctx, name, sealed, pk.KeyID); err != nil {
		return err
	}
	v.logger.Info("secret updated", "name", name)
	return nil
}

// validName follows GitHub's rules: letters, digits and underscores, not
// starting with a digit or GITHUB_.
func validName(name string) bool {
	if name == "" || strings.HasPrefix(strings.ToUpper(name), "GITHUB_") || (name[0] >= '0' && name[0] <= '9') {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// Status is whether a base credential has been set.
type Status struct {
	Definition
	Set bool `json:"set"`
}

// Status reports which base credentials exist.
func (v *Vault) Status(ctx context.Context) ([]Status, error) {
	names, err := v.ListNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(Definitions))
	for _, d := range Definitions {
		out = append(out, Status{Definition: d, Set: slices.Contains(names, d.Name)})
	}
	return out, nil
}

// ParseRecipients splits a comma, semicolon or newline separated list of
// addresses, dropping duplicates. Every entry must be a valid address.
func ParseRecipients(list []string) ([]string, error) {
	var out []string
	for _, entry := range list {
		for _, f := range strings.FieldsFunc(entry, func(r rune) bool { return r == ',' || r == ';' || r == '\n' }) {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			addr, err := mail.ParseAddress(f)
			if err != nil {
				return nil, apperr.Invalid("recipients", "invalid address "+f)
			}
			if !slices.Contains(out, addr.Address) {
				out = append(out, addr.Address)
			}
		}
	}
	if len(out) == 0 {
		return nil, apperr.Invalid("recipients", "at least one address is required")
	}
	return out, nil
}

// SetRecipients stores the e-mail channel's recipients, comma separated.
func (v *Vault) SetRecipients(ctx context.Context, list []string) ([]string, error) {
	addrs, err := ParseRecipients(list)
	if err != nil {
		return nil, err
	}
	if err := v.SetSecret(ctx, EmailRecipients, strings.Join(addrs, ",")); err != nil {
		return nil, err
	}
	return addrs, nil
}

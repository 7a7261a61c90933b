package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/databricks/databricks-sdk-go"
	"github.com/databricks/databricks-sdk-go/service/settings"
	"github.com/databricks/databricks-sdk-go/useragent"
)

// Databricks issues personal access tokens through the workspace API. The
// client is created on first use so that a missing configuration fails the
// first token request instead of the supervisor startup.
type Databricks struct {
	Product string
	Version string

	client *databricks.WorkspaceClient
}

// NewDatabricks returns an Identity backed by the default Databricks
// configuration chain (environment, ~/.databrickscfg profiles).
func NewDatabricks(version string) *Databricks {
	return &Databricks{Product: "apx", Version: version}
}

func (d *Databricks) workspace() (*databricks.WorkspaceClient, error) {
	if d.client != nil {
		return d.client, nil
	}
	if d.Product != "" && d.Version != "" {
		useragent.WithProduct(d.Product, d.Version)
	}
	w, err := databricks.NewWorkspaceClient()
	if err != nil {
		return nil, fmt.Errorf("databricks client: %w", err)
	}
	d.client = w
	return w, nil
}

func (d *Databricks) CreateToken(ctx context.Context, comment string, lifetime time.Duration) (Token, error) {
	w, err := d.workspace()
	if err != nil {
		return Token{}, err
	}
	resp, err := w.Tokens.Create(ctx, settings.CreateTokenRequest{
		Comment:         comment,
		LifetimeSeconds: int64(lifetime / time.Second),
	})
	if err != nil {
		return Token{}, err
	}
	if resp.TokenInfo == nil || resp.TokenInfo.TokenId == "" || resp.TokenValue == "" {
		return Token{}, fmt.Errorf("token response is missing id or value")
	}
	t := Token{ID: resp.TokenInfo.TokenId, Secret: resp.TokenValue}
	if resp.TokenInfo.ExpiryTime > 0 {
		t.Expiry = time.UnixMilli(resp.TokenInfo.ExpiryTime)
	}
	return t, nil
}

func (d *Databricks) TokenExpiry(ctx context.Context, id string) (time.Time, bool, error) {
	w, err := d.workspace()
	if err != nil {
		return time.Time{}, false, err
	}
	tokens, err := w.Tokens.ListAll(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, t := range tokens {
		if t.TokenId != id {
			continue
		}
		if t.ExpiryTime <= 0 {
			return time.Time{}, false, nil
		}
		return time.UnixMilli(t.ExpiryTime), true, nil
	}
	return time.Time{}, false, nil
}

// Validate checks that the configured credentials are accepted by the
// workspace.
func (d *Databricks) Validate(ctx context.Context) error {
	w, err := d.workspace()
	if err != nil {
		return err
	}
	if _, err := w.CurrentUser.Me(ctx); err != nil {
		return fmt.Errorf("validate credentials: %w", err)
	}
	return nil
}

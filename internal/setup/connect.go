package setup

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/njoerd114/apptsync/internal/errs"
	"github.com/njoerd114/apptsync/internal/model"
)

// Authorizer runs the consent flow. Implemented by the sync orchestrator.
type Authorizer interface {
	AuthorizationURL(state string) string
	Connect(ctx context.Context, code string) (model.ConnectionStatus, error)
}

// ConnectAccount prints the consent URL, reads back the authorization code
// and completes the connection. The user may paste either the bare code or
// the full URL the browser was redirected to.
func ConnectAccount(ctx context.Context, a Authorizer, r io.Reader, w io.Writer) (model.ConnectionStatus, error) {
	state := uuid.NewString()
	p := NewPrompter(r, w)

	fmt.Fprintf(w, "\n  Open this URL in a browser and grant calendar access:\n\n")
	fmt.Fprintf(w, "    %s\n\n", a.AuthorizationURL(state))
	input := p.String("Paste the redirect URL (or just the code)", "")

	code, err := ExtractCode(input, state)
	if err != nil {
		return model.ConnectionStatus{}, err
	}

	st, err := a.Connect(ctx, code)
	if err != nil {
		return st, err
	}
	fmt.Fprintf(w, "  ✓ Connected as %s\n", st.AccountEmail)
	return st, nil
}

// ExtractCode pulls the authorization code out of a pasted redirect URL and
// checks its state parameter. Input that is not a URL is taken as the code.
func ExtractCode(input, state string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("authorization code is empty: %w", errs.ErrInvalidInput)
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URL: %v: %w", err, errs.ErrInvalidInput)
	}
	q := u.Query()
	if reason := q.Get("error"); reason != "" {
		return "", fmt.Errorf("consent denied (%s): %w", reason, errs.ErrInvalidInput)
	}
	if got := q.Get("state"); got != state {
		return "", fmt.Errorf("redirect state %q does not match this request: %w", got, errs.ErrInvalidInput)
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("redirect URL has no code parameter: %w", errs.ErrInvalidInput)
	}
	return code, nil
}

package strategy

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/valet-ai/valet/internal/domain"
)

// appendTextFile fetches a text attachment and appends its content to the
// prompt under a delimited section. No attachment returns input as-is.
// Fetch failures propagate: a silently dropped attachment would change
// the answer.
func appendTextFile(ctx context.Context, httpClient *http.Client, input, txtURL string) (string, error) {
	if txtURL == "" {
		return input, nil
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, txtURL, nil)
	if err != nil {
		return "", &domain.AttachmentError{URL: txtURL, Err: err}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &domain.AttachmentError{URL: txtURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &domain.AttachmentError{URL: txtURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &domain.AttachmentError{URL: txtURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	return fmt.Sprintf("%s\n\n[ATTACHMENTS]\n%s", input, string(body)), nil
}

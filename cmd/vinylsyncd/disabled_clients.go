package main

import (
	"context"
	"net/http"

	"github.com/vinylsync/vinylsync/internal/apperr"
	"github.com/vinylsync/vinylsync/internal/token"
	"github.com/vinylsync/vinylsync/internal/workers/statusworker"
)

// disabledDownloadClient is the peer-network download client used until a
// real endpoint is configured. IsAvailable always reports false, so the
// Download Queue Worker and Download Status Worker skip their cycles
// quietly instead of erroring against an address nobody set. It still
// holds the shared pooled/rate-limited client so swapping in a real
// endpoint later is a matter of adding request construction, not wiring.
type disabledDownloadClient struct {
	http *http.Client
}

func (disabledDownloadClient) IsAvailable(context.Context) bool { return false }

func (disabledDownloadClient) Submit(context.Context, string, string) error {
	return apperr.Transient("disabledDownloadClient.Submit", errNoClientConfigured)
}

func (disabledDownloadClient) ListDownloads(context.Context) ([]statusworker.ExternalDownload, error) {
	return nil, nil
}

func (disabledDownloadClient) Cancel(context.Context, string) error { return nil }

var errNoClientConfigured = apperr.Fatal("bootstrap", errString("no download client endpoint configured"))

type errString string

func (e errString) Error() string { return string(e) }

// disabledOAuthClient is the external-service token endpoint used until a
// real service is configured. The Token Manager's proactive refresh loop
// only calls it for services that already have a stored token, so in a
// fresh deployment it never runs; it exists so Manager always has a
// concrete collaborator to hold.
type disabledOAuthClient struct {
	http *http.Client
}

func (disabledOAuthClient) Exchange(context.Context, string, string) (token.RefreshResult, error) {
	return token.RefreshResult{}, apperr.NeedsReauth("disabledOAuthClient.Exchange", errString("no OAuth endpoint configured"))
}

func (disabledOAuthClient) Refresh(context.Context, string) (token.RefreshResult, error) {
	return token.RefreshResult{}, apperr.NeedsReauth("disabledOAuthClient.Refresh", errString("no OAuth endpoint configured"))
}

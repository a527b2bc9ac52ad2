package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kether/mapd/internal/core"
)

const (
	getDetailsURL        = "https://api.steampowered.com/ISteamRemoteStorage/GetPublishedFileDetails/v1/"
	getUGCDetailsURL     = "https://api.steampowered.com/ISteamCloud/ClientUGCDetails/v1/"
	transportTimeout     = 30 * time.Second
	maxTransportAttempts = 3
)

// httpTransport is the production Transport: it speaks Steam's published web
// endpoints rather than the raw game-coordinator binary protocol, but
// preserves the same two-RPC shape and failure taxonomy the pipeline expects.
type httpTransport struct {
	client *http.Client
}

func NewHTTPTransport() Transport {
	return &httpTransport{client: &http.Client{Timeout: transportTimeout}}
}

func (t *httpTransport) Discover(ctx context.Context) error {
	build := func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, "https://api.steampowered.com/ISteamWebAPIUtil/GetServerInfo/v1/", nil)
	}
	return t.doWithRetry(ctx, build, nil)
}

func (t *httpTransport) GetHcontent(ctx context.Context, workshopID uint64) (uint64, error) {
	data := url.Values{}
	data.Set("itemcount", "1")
	data.Set("publishedfileids[0]", fmt.Sprintf("%d", workshopID))
	data.Set("appid", fmt.Sprintf("%d", l4d2AppID))

	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, getDetailsURL, strings.NewReader(data.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	var result struct {
		Response struct {
			PublishedFileDetails []struct {
				Result       int    `json:"result"`
				HcontentFile string `json:"hcontent_file"`
			} `json:"publishedfiledetails"`
		} `json:"response"`
	}
	if err := t.doWithRetry(ctx, build, &result); err != nil {
		return 0, core.Wrap(core.KindNetwork, "get published file details failed", err)
	}

	if len(result.Response.PublishedFileDetails) == 0 {
		return 0, core.New(core.KindNotFound, "empty publishedfiledetails response")
	}

	detail := result.Response.PublishedFileDetails[0]
	var hcontent uint64
	fmt.Sscanf(detail.HcontentFile, "%d", &hcontent)
	return hcontent, nil
}

func (t *httpTransport) GetDownloadURL(ctx context.Context, hcontent uint64) (string, error) {
	data := url.Values{}
	data.Set("hcontent", fmt.Sprintf("%d", hcontent))

	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, getUGCDetailsURL, strings.NewReader(data.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	var result struct {
		Eresult int32  `json:"eresult"`
		URL     string `json:"url"`
	}
	if err := t.doWithRetry(ctx, build, &result); err != nil {
		return "", core.Wrap(core.KindNetwork, "client ufs get ugc details failed", err)
	}

	if result.Eresult != 1 {
		return "", core.DownloadURLFailed(result.Eresult)
	}
	return result.URL, nil
}

// doWithRetry mirrors the exponential backoff (2s, then 4s) used by every
// other network collaborator in the daemon. build is called fresh on every
// attempt since a request body reader can't be replayed.
func (t *httpTransport) doWithRetry(ctx context.Context, build func() (*http.Request, error), out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < maxTransportAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := build()
		if err != nil {
			return err
		}

		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			continue
		}

		if out != nil {
			err = json.NewDecoder(resp.Body).Decode(out)
		}
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

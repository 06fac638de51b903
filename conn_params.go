package resclient

import (
	"context"
	"net/http"
	"strings"
)

type (
	// OpenConnectionParams carries everything needed to dial the gateway.
	OpenConnectionParams struct {
		URL    string
		Header http.Header
	}

	// OpenConnectionParamsGetter is resolved before every dial, so headers
	// such as short lived auth tokens can be refreshed per connection.
	OpenConnectionParamsGetter func(ctx context.Context) (OpenConnectionParams, error)

	openConnectionParamsRepo struct {
		logger logger
		getter OpenConnectionParamsGetter
	}
)

func (r openConnectionParamsRepo) get(ctx context.Context) (params OpenConnectionParams, err error) {
	params, err = r.getter(ctx)
	if err != nil {
		r.logger.Errorf("cannot fetch open connection params: %s", err)
	}
	return
}

func newOpenConnectionParamsRepo(
	logger logger,
	getter OpenConnectionParamsGetter,
) openConnectionParamsRepo {
	return openConnectionParamsRepo{getter: getter, logger: logger}
}

func staticConnectionParams(hostURL string, header http.Header) OpenConnectionParamsGetter {
	resolved := resolveWsURL(hostURL)
	return func(context.Context) (OpenConnectionParams, error) {
		return OpenConnectionParams{URL: resolved, Header: header}, nil
	}
}

// resolveWsURL rewrites a host URL to a websocket URL. http and https
// schemes map to ws and wss, a missing scheme defaults to ws.
func resolveWsURL(hostURL string) string {
	switch {
	case strings.HasPrefix(hostURL, "ws://"), strings.HasPrefix(hostURL, "wss://"):
		return hostURL
	case strings.HasPrefix(hostURL, "http://"):
		return "ws://" + strings.TrimPrefix(hostURL, "http://")
	case strings.HasPrefix(hostURL, "https://"):
		return "wss://" + strings.TrimPrefix(hostURL, "https://")
	default:
		return "ws://" + hostURL
	}
}

package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/greymass/dualsink/libraries/encoding"
	"github.com/greymass/dualsink/libraries/serviceclient"
	"github.com/greymass/dualsink/services/dualsink/internal/chain"
	"github.com/greymass/dualsink/services/dualsink/internal/metrics"
)

// HTTPTimeout bounds one request to a block server.
var HTTPTimeout = 30 * time.Second

type blocksRequest struct {
	From int64 `json:"from"`
	Max  int   `json:"max"`
}

type headResponse struct {
	Height any    `json:"height"`
	Hash   string `json:"hash"`
}

// httpSource reads from a block server answering POST /head with the latest
// head and POST /blocks with a JSON array of blocks. A 404 from /head means
// the server holds no blocks yet.
type httpSource struct {
	url    string
	client *serviceclient.Client
}

func tryHTTP(_ context.Context, path string) (Source, bool, error) {
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") && !strings.HasPrefix(path, "unix://") {
		return nil, false, nil
	}
	return &httpSource{url: path, client: serviceclient.New(strings.TrimSuffix(path, "/"), HTTPTimeout)}, true, nil
}

func (s *httpSource) Head(ctx context.Context) (chain.Head, error) {
	var resp headResponse
	err := s.client.Post(ctx, "/head", struct{}{}, &resp)
	if serviceclient.StatusCode(err) == http.StatusNotFound {
		return chain.Head{}, ErrNoBlocks
	}
	if err != nil {
		return chain.Head{}, err
	}
	h, ok := encoding.MaybeGetInt64(resp.Height)
	if !ok || h < 0 || resp.Hash == "" {
		return chain.Head{}, fmt.Errorf("%s: invalid head %v#%s", s.url, resp.Height, resp.Hash)
	}
	return chain.Head{Height: h, Hash: resp.Hash}, nil
}

func (s *httpSource) Blocks(ctx context.Context, from int64, max int) ([]chain.Block, error) {
	if max <= 0 {
		return nil, nil
	}
	var raw []rawBlock
	if err := s.client.Post(ctx, "/blocks", blocksRequest{From: from, Max: max}, &raw); err != nil {
		return nil, err
	}
	if len(raw) > max {
		raw = raw[:max]
	}
	blocks := make([]chain.Block, 0, len(raw))
	for _, r := range raw {
		b, err := fromRaw(r)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if len(blocks) > 0 && blocks[0].Height != from {
		return nil, fmt.Errorf("%w: block %d requested, server returned %d", ErrGap, from, blocks[0].Height)
	}
	if err := checkSequence(blocks); err != nil {
		return nil, err
	}
	metrics.SourceBlocks.Add(float64(len(blocks)))
	return blocks, nil
}

func (s *httpSource) Close() error { return nil }

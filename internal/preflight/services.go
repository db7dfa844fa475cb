package preflight

import (
	"context"
	"fmt"
	"net/http"

	"github.com/odprt-iep/hybridrag/internal/embed"
	"github.com/odprt-iep/hybridrag/internal/store"
)

// Embedder opens the configured embedder, which checks the model, and
// checks it produces vectors of the expected width.
func Embedder(open func(context.Context) (embed.Embedder, error), dims int) Check {
	return Check{
		Name:     "embedder",
		Required: true,
		Network:  true,
		Run: func(ctx context.Context) Outcome {
			e, err := open(ctx)
			if err != nil {
				return Outcome{
					Status:  StatusFail,
					Message: err.Error(),
					Hint:    "Start Ollama and pull the model, or set embeddings.provider",
				}
			}
			defer func() { _ = e.Close() }()
			if e.Dimensions() != dims {
				return Outcome{
					Status:  StatusFail,
					Message: fmt.Sprintf("%s produces %d dims, store expects %d", e.ModelName(), e.Dimensions(), dims),
					Hint:    "Set store.dimensions to match the model",
				}
			}
			return Outcome{Status: StatusPass, Message: fmt.Sprintf("%s (%d dims)", e.ModelName(), e.Dimensions())}
		},
	}
}

// Endpoint checks that url answers HTTP at all. Any status code counts as
// reachable; authentication is not verified.
func Endpoint(name, url string, required bool, client *http.Client) Check {
	if client == nil {
		client = http.DefaultClient
	}
	return Check{
		Name:     name,
		Required: required,
		Network:  true,
		Run: func(ctx context.Context) Outcome {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return Outcome{Status: StatusFail, Message: fmt.Sprintf("invalid url %q: %v", url, err)}
			}
			resp, err := client.Do(req)
			if err != nil {
				status := StatusFail
				if !required {
					status = StatusWarn
				}
				return Outcome{
					Status:  status,
					Message: fmt.Sprintf("%s unreachable", url),
					Hint:    err.Error(),
				}
			}
			_ = resp.Body.Close()
			return Outcome{Status: StatusPass, Message: fmt.Sprintf("%s (HTTP %d)", url, resp.StatusCode)}
		},
	}
}

// CollectionSchema checks the stored schema of the named collection
// against the configured vector width. A collection that does not exist
// yet is created on first ingest, so it only warns.
func CollectionSchema(list func(context.Context) ([]store.CollectionInfo, error), name string, dims int) Check {
	return Check{
		Name:     "collection",
		Required: true,
		Run: func(ctx context.Context) Outcome {
			infos, err := list(ctx)
			if err != nil {
				return Outcome{Status: StatusFail, Message: err.Error()}
			}
			for _, info := range infos {
				if info.Name != name {
					continue
				}
				if info.Schema.Dimensions != dims {
					return Outcome{
						Status:  StatusFail,
						Message: fmt.Sprintf("%s stores %d dims, configuration says %d", name, info.Schema.Dimensions, dims),
						Hint:    fmt.Sprintf("Drop the collection and re-ingest, or set store.dimensions to %d", info.Schema.Dimensions),
					}
				}
				return Outcome{Status: StatusPass, Message: fmt.Sprintf("%s: %d records, %d dims", name, info.Records, dims)}
			}
			return Outcome{
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s does not exist yet", name),
				Hint:    "Run 'hybridrag ingest <path>' to create it",
			}
		},
	}
}

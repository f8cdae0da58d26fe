package search

import (
	"fmt"

	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
	tsclient "github.com/zatekoja/clinicalvalidation/internal/infrastructure/clients/typesense"
	"github.com/zatekoja/clinicalvalidation/pkg/config"
)

// Backend is a search cache that can be both queried and rebuilt.
type Backend interface {
	providers.SearchIndex
	providers.SearchIndexWriter
}

var (
	_ Backend = (*TypesenseIndex)(nil)
	_ Backend = (*BleveIndex)(nil)
)

// OpenBackend connects the configured search cache. The returned close
// function releases local resources and is never nil.
func OpenBackend(cfg *config.SearchConfig, typesenseCfg *config.TypesenseConfig) (Backend, func() error, error) {
	switch cfg.Backend {
	case "typesense":
		client, err := tsclient.NewClient(typesenseCfg)
		if err != nil {
			return nil, noopClose, err
		}
		return NewTypesenseIndex(client), noopClose, nil
	case "bleve":
		idx, err := NewBleveIndex(cfg.BlevePath)
		if err != nil {
			return nil, noopClose, err
		}
		return idx, idx.Close, nil
	default:
		return nil, noopClose, fmt.Errorf("unsupported search backend %q", cfg.Backend)
	}
}

func noopClose() error { return nil }

package translator

import (
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroclient"
	"github.com/kiro-proxy/anthropic-bridge/internal/kiroerrors"
)

// ResolveModel maps an Anthropic model name to its Kiro model id via the
// static table (DOMAIN STACK note: the teacher's DB-backed db.ResolveModel
// is replaced by an in-memory map since the SQL layer is dropped).
func ResolveModel(name string) (string, error) {
	id, ok := kiroclient.ModelMap[name]
	if !ok {
		return "", kiroerrors.New(kiroerrors.InvalidRequest, "unknown model: "+name)
	}
	return id, nil
}

// ModelCatalogEntry backs GET /v1/models.
type ModelCatalogEntry struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
}

// Catalog lists the dated Anthropic model names this proxy accepts; the
// short undated aliases ResolveModel also accepts are not listed.
func Catalog() []ModelCatalogEntry {
	out := make([]ModelCatalogEntry, 0, len(kiroclient.Catalog))
	for _, name := range kiroclient.Catalog {
		out = append(out, ModelCatalogEntry{ID: name, Type: "model", DisplayName: name})
	}
	return out
}

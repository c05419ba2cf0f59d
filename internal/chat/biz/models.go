package biz

import "github.com/lk2023060901/ai-chat-backend/internal/chat/credential"

// modelCatalog maps selectable model ids to their credential policy.
// TODO: load the catalog from config once more providers are wired.
var modelCatalog = map[string]credential.ModelDescriptor{
	"gpt-4o-mini": {
		ID:       "gpt-4o-mini",
		Provider: "openai",
		FreeTier: true,
	},
	"gpt-4o": {
		ID:           "gpt-4o",
		Provider:     "openai",
		AllowsOwnKey: true,
	},
	"gpt-4-turbo": {
		ID:           "gpt-4-turbo",
		Provider:     "openai",
		AllowsOwnKey: true,
	},
	"o1": {
		ID:             "o1",
		Provider:       "openai",
		RequiresOwnKey: true,
	},
	"o3-mini": {
		ID:           "o3-mini",
		Provider:     "openai",
		AllowsOwnKey: true,
	},
}

// lookupModel resolves a model id to its descriptor. Unknown ids get a
// permissive openai descriptor so self-hosted gateways can expose extra
// models without a catalog change.
func lookupModel(id string) credential.ModelDescriptor {
	if d, ok := modelCatalog[id]; ok {
		return d
	}
	return credential.ModelDescriptor{ID: id, Provider: "openai", AllowsOwnKey: true}
}

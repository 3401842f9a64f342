package gating

import "fmt"

// Store key scheme. All records share one flat key/value namespace,
// partitioned by prefix:
//
//	recipe:{id}            RecipeRecord
//	purchase:{id}:{buyer}  PurchaseRecord
//	pending:{id}:{buyer}   PendingPayment (TTL pendingTTL)
//	index:recipes          JSON array of recipe ids, insertion ordered
const (
	recipePrefix = "recipe:"
	indexKey     = "index:recipes"
)

func recipeKey(id string) string {
	return recipePrefix + id
}

func purchaseKey(id, buyer string) string {
	return fmt.Sprintf("purchase:%s:%s", id, buyer)
}

func pendingKey(id, buyer string) string {
	return fmt.Sprintf("pending:%s:%s", id, buyer)
}
